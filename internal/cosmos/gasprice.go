package cosmos

import (
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strings"
)

var gasPricePattern = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)([a-zA-Z][a-zA-Z0-9/:._-]{2,127})$`)

// GasPrice is a per-unit fee such as 0.025ubtsg.
type GasPrice struct {
	Amount *big.Rat
	Denom  string
}

func (g GasPrice) String() string {
	if g.Amount == nil {
		return g.Denom
	}
	return g.Amount.FloatString(6) + g.Denom
}

// ParseGasPrice parses "<decimal><denom>".
func ParseGasPrice(s string) (GasPrice, error) {
	m := gasPricePattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return GasPrice{}, fmt.Errorf("invalid gas price %q", s)
	}
	amount, ok := new(big.Rat).SetString(m[1])
	if !ok {
		return GasPrice{}, fmt.Errorf("invalid gas price amount %q", m[1])
	}
	return GasPrice{Amount: amount, Denom: m[2]}, nil
}

// StdFee is the fee attached to a transaction.
type StdFee struct {
	Amount []Coin
	Gas    uint64
}

// CalculateFee returns ceil(gasLimit * price) in the price denom.
func CalculateFee(gasLimit uint64, price GasPrice) StdFee {
	total := new(big.Rat).Mul(price.Amount, new(big.Rat).SetInt(new(big.Int).SetUint64(gasLimit)))
	q, r := new(big.Int).QuoRem(total.Num(), total.Denom(), new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return StdFee{
		Amount: []Coin{{Denom: price.Denom, Amount: q.String()}},
		Gas:    gasLimit,
	}
}

// adjustGas scales a simulated gas figure by the safety multiplier.
func adjustGas(gasUsed uint64, multiplier float64) uint64 {
	if multiplier <= 0 {
		multiplier = 1
	}
	return uint64(math.Round(float64(gasUsed) * multiplier))
}
