package types

import "math/big"

const BasisPointsDenominator = 10000

// BridgeFee is amount * bps / 10000, rounded down
func BridgeFee(amount *big.Int, bps uint32) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	fee := new(big.Int).Mul(amount, big.NewInt(int64(bps)))
	return fee.Div(fee, big.NewInt(BasisPointsDenominator))
}
