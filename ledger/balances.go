package ledger

import "fmt"

// Balance ids follow a fixed naming convention shared with the ledger service.
// The company escrow pool id comes from configuration and is passed around
// explicitly rather than generated here.

func EscrowBalance(holdID string) string {
	return fmt.Sprintf("escrow_%s", holdID)
}

func RetailerBalance(retailerID string) string {
	return fmt.Sprintf("retailer_%s", retailerID)
}

func WholesalerBalance(wholesalerID string) string {
	return fmt.Sprintf("wholesaler_%s", wholesalerID)
}
