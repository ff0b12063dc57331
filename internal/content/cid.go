// Package content handles request metadata and the content-addressed
// pointers that link on-chain requests and deliveries to stored payloads.
package content

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"

	xerrors "mechx/internal/errors"
)

// Digest returns the 32-byte sha2-256 digest carried by a CID. It is the
// value the marketplace stores as request data.
func Digest(c cid.Cid) ([]byte, error) {
	decoded, err := multihash.Decode(c.Hash())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode multihash")
	}
	if decoded.Code != multihash.SHA2_256 || len(decoded.Digest) != common.HashLength {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("cid %s is not a sha2-256 content address", c))
	}
	return decoded.Digest, nil
}

// FromDigest rebuilds the CIDv1 dag-pb pointer for a 32-byte digest.
func FromDigest(digest []byte) (cid.Cid, error) {
	if len(digest) != common.HashLength {
		return cid.Undef, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("digest must be %d bytes, got %d", common.HashLength, len(digest)))
	}
	mh, err := multihash.Encode(digest, multihash.SHA2_256)
	if err != nil {
		return cid.Undef, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode multihash")
	}
	return cid.NewCidV1(cid.DagProtobuf, mh), nil
}

// HexString renders a CID in base16 multibase, the form mechs use in
// delivery paths.
func HexString(c cid.Cid) string {
	s, err := c.StringOfBase(multibase.Base16)
	if err != nil {
		return c.String()
	}
	return s
}

// Parse decodes a CID string in any multibase.
func Parse(s string) (cid.Cid, error) {
	c, err := cid.Decode(strings.TrimSpace(s))
	if err != nil {
		return cid.Undef, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "parse cid")
	}
	return c, nil
}

// ResultPointer turns the data field of a Deliver event into the storage
// path of the delivered result: "<cid>/<decimal request id>". Data that is
// neither a 32-byte digest nor a CID string yields "".
func ResultPointer(data []byte, decimalRequestID string) string {
	var c cid.Cid
	switch {
	case len(data) == common.HashLength:
		parsed, err := FromDigest(data)
		if err != nil {
			return ""
		}
		c = parsed
	default:
		parsed, err := cid.Decode(strings.TrimSpace(string(data)))
		if err != nil {
			return ""
		}
		c = parsed
	}
	return HexString(c) + "/" + decimalRequestID
}

// sumCID derives the CID a MemoryStore assigns to raw content.
func sumCID(raw []byte) cid.Cid {
	mh, err := multihash.Sum(raw, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef
	}
	return cid.NewCidV1(cid.DagProtobuf, mh)
}
