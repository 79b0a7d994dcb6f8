// Package token models the ring's key space: tokens, the arithmetic over a
// partitioner's token space, and the ranges that partition the ring.
package token

import (
	"fmt"
	"math/big"
)

// Token is a position on the ring. Tokens are immutable values; compare them
// with Cmp or Equal, never with ==.
type Token struct {
	v *big.Int
}

// NewToken wraps v without range checking. Prefer Factory.Token, which
// validates v against the ring bounds.
func NewToken(v *big.Int) Token {
	return Token{v: new(big.Int).Set(v)}
}

// Int64 builds a token from a signed 64-bit value.
func Int64(v int64) Token {
	return Token{v: big.NewInt(v)}
}

// Value returns a copy of the token's numeric value.
func (t Token) Value() *big.Int {
	return new(big.Int).Set(t.value())
}

func (t Token) value() *big.Int {
	if t.v == nil {
		return new(big.Int)
	}
	return t.v
}

// Cmp compares tokens in the ring's linear order.
func (t Token) Cmp(o Token) int {
	return t.value().Cmp(o.value())
}

// Equal reports whether both tokens denote the same ring position.
func (t Token) Equal(o Token) bool {
	return t.Cmp(o) == 0
}

// Less reports whether t sorts before o in the linear order.
func (t Token) Less(o Token) bool {
	return t.Cmp(o) < 0
}

func (t Token) String() string {
	return t.value().String()
}

// Factory performs arithmetic over one partitioner's token space. The ring
// covers [min, min+total) and wraps back to min after its max token.
type Factory struct {
	name  string
	min   *big.Int
	max   *big.Int
	total *big.Int
}

var (
	murmur3Factory = newFactory("Murmur3Partitioner",
		new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 63)),
		new(big.Int).Lsh(big.NewInt(1), 64))
	randomFactory = newFactory("RandomPartitioner",
		new(big.Int),
		new(big.Int).Lsh(big.NewInt(1), 127))
)

// Murmur3Factory returns the factory for signed 64-bit hash tokens in
// [-2^63, 2^63).
func Murmur3Factory() *Factory { return murmur3Factory }

// RandomFactory returns the factory for modulus tokens in [0, 2^127).
func RandomFactory() *Factory { return randomFactory }

// NewModulusFactory returns a factory for a ring [0, size). Small rings are
// mostly useful to reason about splits and clusters in tests and plans.
func NewModulusFactory(name string, size int64) (*Factory, error) {
	if size < 1 {
		return nil, fmt.Errorf("ring size must be positive, got %d", size)
	}
	return newFactory(name, new(big.Int), big.NewInt(size)), nil
}

// FactoryForPartitioner maps a partitioner name to its factory.
func FactoryForPartitioner(name string) (*Factory, error) {
	switch name {
	case "murmur3", "Murmur3Partitioner", "org.apache.cassandra.dht.Murmur3Partitioner":
		return murmur3Factory, nil
	case "random", "RandomPartitioner", "org.apache.cassandra.dht.RandomPartitioner":
		return randomFactory, nil
	default:
		return nil, fmt.Errorf("unsupported partitioner %q", name)
	}
}

func newFactory(name string, min, total *big.Int) *Factory {
	max := new(big.Int).Add(min, total)
	max.Sub(max, big.NewInt(1))
	return &Factory{name: name, min: min, max: max, total: total}
}

// Name returns the partitioner name.
func (f *Factory) Name() string { return f.name }

// MinToken returns the ring's fixed minimum token.
func (f *Factory) MinToken() Token { return Token{v: f.min} }

// MaxToken returns the largest token of the ring.
func (f *Factory) MaxToken() Token { return Token{v: f.max} }

// TotalTokenCount returns the number of distinct tokens on the ring.
func (f *Factory) TotalTokenCount() *big.Int { return new(big.Int).Set(f.total) }

// Token validates v against the ring bounds.
func (f *Factory) Token(v *big.Int) (Token, error) {
	if v.Cmp(f.min) < 0 || v.Cmp(f.max) > 0 {
		return Token{}, fmt.Errorf("token %s outside of %s ring [%s, %s]", v, f.name, f.min, f.max)
	}
	return NewToken(v), nil
}

// Parse parses a decimal token.
func (f *Factory) Parse(s string) (Token, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Token{}, fmt.Errorf("invalid %s token %q", f.name, s)
	}
	return f.Token(v)
}

// FromHash maps a 64-bit hash uniformly enough onto the ring.
func (f *Factory) FromHash(h uint64) Token {
	v := new(big.Int).SetUint64(h)
	v.Mod(v, f.total)
	return Token{v: v.Add(v, f.min)}
}

// Distance returns the number of steps from a forward to b. When b is not
// after a the distance wraps around the ring; a == b is the whole ring.
func (f *Factory) Distance(a, b Token) *big.Int {
	d := new(big.Int).Sub(b.value(), a.value())
	if d.Sign() <= 0 {
		d.Add(d, f.total)
	}
	return d
}

// Fraction returns Distance(a, b) as a share of the ring in [0, 1]. Equal
// tokens cover the whole ring, except two minimum tokens which denote the
// empty range.
func (f *Factory) Fraction(a, b Token) float64 {
	if a.Equal(b) && a.value().Cmp(f.min) == 0 {
		return 0
	}
	return f.ratio(f.Distance(a, b))
}

func (f *Factory) ratio(size *big.Int) float64 {
	r, _ := new(big.Float).Quo(new(big.Float).SetInt(size), new(big.Float).SetInt(f.total)).Float64()
	return r
}

// wrap folds a value past the max token back onto the ring.
func (f *Factory) wrap(v *big.Int) *big.Int {
	if v.Cmp(f.max) > 0 {
		return v.Sub(v, f.total)
	}
	return v
}

func (f *Factory) isMin(t Token) bool {
	return t.value().Cmp(f.min) == 0
}

func (f *Factory) String() string {
	return f.name
}
