package oracle

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/dlcsuite/dlcd/adaptorsig"
	"github.com/dlcsuite/dlcd/dlc"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient(t *testing.T) {
	t.Parallel()

	oraclePriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	msg := adaptorsig.OutcomeHash("yes")
	sig, err := schnorr.Sign(oraclePriv, msg[:])
	require.NoError(t, err)

	nonceHex := hex.EncodeToString(sig.Serialize()[:32])
	pubHex := hex.EncodeToString(
		schnorr.SerializePubKey(oraclePriv.PubKey()),
	)

	var announcementHits int
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/announcement/evt-1":
				announcementHits++
				_ = json.NewEncoder(w).Encode(
					announcementJSON{
						ID:       "evt-1",
						PubKey:   pubHex,
						Nonces:   []string{nonceHex},
						Outcomes: []string{"yes", "no"},
					},
				)

			case "/attestation/evt-1":
				_ = json.NewEncoder(w).Encode(
					attestationJSON{
						ID: "evt-1",
						Signatures: []string{
							hex.EncodeToString(
								sig.Serialize(),
							),
						},
						Outcomes: []string{"yes"},
					},
				)

			default:
				w.WriteHeader(http.StatusNotFound)
			}
		},
	))
	defer server.Close()

	client := NewHTTPClient(server.URL)
	ctx := context.Background()

	ann, err := client.GetAnnouncement(ctx, "evt-1")
	require.NoError(t, err)
	require.Equal(t, "evt-1", ann.ID)
	require.Len(t, ann.Nonces, 1)

	// The second fetch is served from the cache.
	_, err = client.GetAnnouncement(ctx, "evt-1")
	require.NoError(t, err)
	require.Equal(t, 1, announcementHits)

	att, err := client.GetAttestation(ctx, "evt-1")
	require.NoError(t, err)
	require.NoError(t, att.Validate(ann))

	// Unknown ids surface as NotFound.
	_, err = client.GetAttestation(ctx, "missing")
	require.Equal(t, dlc.KindNotFound, dlc.KindOf(err))
}
