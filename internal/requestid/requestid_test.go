package requestid

import (
	"bytes"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	xerrors "mechx/internal/errors"
)

var (
	gnosisMarketplace = common.HexToAddress("0x735FAAb1c4Ec41128c367AFb5c3baC73509f70bB")
	priorityMech      = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa01")
	requester         = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb02")
	nativeTag         = common.HexToHash("0xba699a34be8fe0e7725e93dcbce1701b0211a8ca61330aaeb8a05bf2ec7abed1")
)

func goldenParams(nonce int64) Params {
	return Params{
		PriorityMech:    priorityMech,
		Requester:       requester,
		ContentHash:     bytes.Repeat([]byte{0xCD}, 32),
		MaxDeliveryRate: big.NewInt(10_000_000_000_000_000),
		PaymentType:     nativeTag,
		Nonce:           big.NewInt(nonce),
	}
}

func TestTypeHashes(t *testing.T) {
	require.Equal(t, "0x8b73c3c69bb8fe3d512ecc4cf759cc79239f7b179b0ffacaa9a75d522b39400f", domainTypeHash.Hex())
	require.Equal(t, "0xaacf4c401b99da5aefeb866c5581688967d47a26c8a267a41b9a67b71d9e1b9b", requestTypeHash.Hex())
}

func TestDomainSeparatorGolden(t *testing.T) {
	sep, err := NewDomain(big.NewInt(100), gnosisMarketplace).Separator()
	require.NoError(t, err)
	require.Equal(t, "0xbc9f802cf4e7fc16bb05b9073c9e1b759806d24af9a7ab2f5cfa443015be545b", sep.Hex())
}

func TestComputeGolden(t *testing.T) {
	d := NewDomain(big.NewInt(100), gnosisMarketplace)

	id, err := Compute(d, goldenParams(0))
	require.NoError(t, err)
	require.Equal(t, "0xca2701443e0043a87f0f1fe35eaca28886d27a4496361f4c78e4083754963fbb", id.Hex())

	again, err := Compute(d, goldenParams(0))
	require.NoError(t, err)
	require.Equal(t, id, again)

	next, err := Compute(d, goldenParams(1))
	require.NoError(t, err)
	require.Equal(t, "0x9fe8826aae74a0a95a408567366b547670802eaeb7abeb8c7a7e8f184b223d68", next.Hex())
}

func TestComputeChangesWithEveryField(t *testing.T) {
	d := NewDomain(big.NewInt(100), gnosisMarketplace)
	base, err := Compute(d, goldenParams(0))
	require.NoError(t, err)

	mutations := map[string]func(p *Params){
		"mech":      func(p *Params) { p.PriorityMech = requester },
		"requester": func(p *Params) { p.Requester = priorityMech },
		"content":   func(p *Params) { p.ContentHash = bytes.Repeat([]byte{0xCE}, 32) },
		"rate":      func(p *Params) { p.MaxDeliveryRate = big.NewInt(1) },
		"payment":   func(p *Params) { p.PaymentType = common.Hash{} },
		"nonce":     func(p *Params) { p.Nonce = big.NewInt(7) },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			p := goldenParams(0)
			mutate(&p)
			id, err := Compute(d, p)
			require.NoError(t, err)
			require.NotEqual(t, base, id)
		})
	}

	otherChain, err := Compute(NewDomain(big.NewInt(8453), gnosisMarketplace), goldenParams(0))
	require.NoError(t, err)
	require.NotEqual(t, base, otherChain)
}

func TestComputeRejectsInvalidInput(t *testing.T) {
	d := NewDomain(big.NewInt(100), gnosisMarketplace)

	cases := map[string]func(p *Params){
		"short content":  func(p *Params) { p.ContentHash = []byte{0x01, 0x02} },
		"long content":   func(p *Params) { p.ContentHash = bytes.Repeat([]byte{0x01}, 33) },
		"nil rate":       func(p *Params) { p.MaxDeliveryRate = nil },
		"negative rate":  func(p *Params) { p.MaxDeliveryRate = big.NewInt(-1) },
		"nil nonce":      func(p *Params) { p.Nonce = nil },
		"negative nonce": func(p *Params) { p.Nonce = big.NewInt(-5) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := goldenParams(0)
			mutate(&p)
			_, err := Compute(d, p)
			require.Error(t, err)
			require.Equal(t, xerrors.KindValidation, xerrors.KindOf(err))
		})
	}

	_, err := Compute(Domain{Marketplace: gnosisMarketplace}, goldenParams(0))
	require.Equal(t, xerrors.KindValidation, xerrors.KindOf(err))
}

func TestComputeBatchUsesConsecutiveNonces(t *testing.T) {
	d := NewDomain(big.NewInt(100), gnosisMarketplace)
	hash := bytes.Repeat([]byte{0xCD}, 32)

	ids, err := ComputeBatch(d, priorityMech, requester, [][]byte{hash, hash}, big.NewInt(10_000_000_000_000_000), nativeTag, big.NewInt(0))
	require.NoError(t, err)
	require.Len(t, ids, 2)

	first, _ := Compute(d, goldenParams(0))
	second, _ := Compute(d, goldenParams(1))
	require.Equal(t, []common.Hash{first, second}, ids)
}

func TestDecimal(t *testing.T) {
	require.Equal(t, "0", Decimal(common.Hash{}))
	require.Equal(t, "255", Decimal(common.BigToHash(big.NewInt(255))))
}

func TestParseAcceptsHexAndDecimal(t *testing.T) {
	want := common.HexToHash("0x0100")

	got, err := Parse("0x0100")
	require.NoError(t, err)
	require.Equal(t, want, got)

	got, err = Parse(" 256 ")
	require.NoError(t, err)
	require.Equal(t, want, got)

	got, err = Parse(Decimal(want))
	require.NoError(t, err)
	require.Equal(t, want, got)

	for _, bad := range []string{"", "0xzz", "-1", "abc", "0x" + strings.Repeat("ff", 33)} {
		_, err := Parse(bad)
		require.Equal(t, xerrors.KindValidation, xerrors.KindOf(err), bad)
	}
}
