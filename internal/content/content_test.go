package content

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	xerrors "mechx/internal/errors"
)

func TestDigestRoundTrip(t *testing.T) {
	digest := bytes.Repeat([]byte{0xCD}, 32)
	c, err := FromDigest(digest)
	require.NoError(t, err)

	hex := HexString(c)
	require.True(t, strings.HasPrefix(hex, "f01701220"), hex)
	require.True(t, strings.HasSuffix(hex, strings.Repeat("cd", 32)), hex)

	parsed, err := Parse(hex)
	require.NoError(t, err)
	got, err := Digest(parsed)
	require.NoError(t, err)
	require.Equal(t, digest, got)

	_, err = FromDigest([]byte{0x01})
	require.Equal(t, xerrors.KindValidation, xerrors.KindOf(err))
}

func TestResultPointer(t *testing.T) {
	digest := bytes.Repeat([]byte{0x11}, 32)
	c, err := FromDigest(digest)
	require.NoError(t, err)

	require.Equal(t, HexString(c)+"/42", ResultPointer(digest, "42"))
	require.Equal(t, HexString(c)+"/42", ResultPointer([]byte(c.String()), "42"))
	require.Equal(t, "", ResultPointer([]byte("garbage"), "42"))
}

func TestBuildMetadata(t *testing.T) {
	raw, err := BuildMetadata("hello", "openai-gpt-4", map[string]any{"temperature": 0.2, "prompt": "ignored"})
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Equal(t, "hello", doc["prompt"])
	require.Equal(t, "openai-gpt-4", doc["tool"])
	require.Equal(t, 0.2, doc["temperature"])
	require.NotEmpty(t, doc["nonce"])

	again, err := BuildMetadata("hello", "openai-gpt-4", nil)
	require.NoError(t, err)
	require.NotEqual(t, raw, again, "every upload carries a fresh nonce")
}

func TestMemoryStoreUpload(t *testing.T) {
	store := NewMemoryStore()
	c, digest, err := Upload(context.Background(), store, "p", "t", nil)
	require.NoError(t, err)
	require.Len(t, digest, 32)

	raw, err := store.Get(context.Background(), HexString(c))
	require.NoError(t, err)
	require.Contains(t, string(raw), `"tool":"t"`)

	store.PutAt(c, "7", []byte(`{"result":"ok"}`))
	res, err := store.Get(context.Background(), HexString(c)+"/7")
	require.NoError(t, err)
	require.JSONEq(t, `{"result":"ok"}`, string(res))

	_, err = store.Get(context.Background(), HexString(c)+"/8")
	require.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
}

func TestIPFSPutAndGet(t *testing.T) {
	digest := bytes.Repeat([]byte{0x22}, 32)
	c, err := FromDigest(digest)
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v0/add":
			require.Equal(t, "1", r.URL.Query().Get("cid-version"))
			file, _, err := r.FormFile("file")
			require.NoError(t, err)
			body, _ := io.ReadAll(file)
			require.Equal(t, `{"a":1}`, string(body))
			_ = json.NewEncoder(w).Encode(addResponse{Name: "metadata.json", Hash: c.String(), Size: "7"})
		case r.Method == http.MethodGet && r.URL.Path == "/ipfs/"+HexString(c)+"/5":
			_, _ = w.Write([]byte(`{"result":"done"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client, err := NewIPFS(IPFSConfig{APIURL: server.URL, GatewayURL: server.URL})
	require.NoError(t, err)

	got, err := client.Put(context.Background(), []byte(`{"a":1}`))
	require.NoError(t, err)
	require.True(t, got.Equals(c))

	raw, err := client.Get(context.Background(), HexString(c)+"/5")
	require.NoError(t, err)
	require.JSONEq(t, `{"result":"done"}`, string(raw))

	_, err = client.Get(context.Background(), HexString(c)+"/6")
	require.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
}

func TestNewIPFSValidation(t *testing.T) {
	_, err := NewIPFS(IPFSConfig{})
	require.Equal(t, xerrors.KindConfiguration, xerrors.KindOf(err))
}
