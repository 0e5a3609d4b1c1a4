package oracle

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/dlcsuite/dlcd/dlc"
)

// Client fetches oracle announcements and attestations by announcement id.
type Client interface {
	// GetAnnouncement returns the announcement with the given id.
	GetAnnouncement(ctx context.Context,
		id string) (*dlc.Announcement, error)

	// GetAttestation returns the attestation for the given announcement
	// id, or a NotFound kinded error if the oracle hasn't attested yet.
	GetAttestation(ctx context.Context,
		id string) (*dlc.Attestation, error)
}

// announcementJSON is the REST payload of an announcement.
type announcementJSON struct {
	ID            string   `json:"id"`
	PubKey        string   `json:"oracle_public_key"`
	Nonces        []string `json:"nonces"`
	EventMaturity uint32   `json:"event_maturity_epoch"`
	Base          uint16   `json:"base"`
	NbDigits      uint16   `json:"nb_digits"`
	Outcomes      []string `json:"outcomes"`
}

// attestationJSON is the REST payload of an attestation.
type attestationJSON struct {
	ID         string   `json:"id"`
	Signatures []string `json:"signatures"`
	Outcomes   []string `json:"outcomes"`
}

// HTTPClient talks to a kormir style oracle over REST. Announcements are
// immutable once published, so they are cached by id; attestations are
// cached once seen.
type HTTPClient struct {
	baseURL string
	client  *http.Client

	mu            sync.Mutex
	announcements map[string]*dlc.Announcement
	attestations  map[string]*dlc.Attestation
}

// NewHTTPClient creates a client for the oracle at the given base URL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		announcements: make(map[string]*dlc.Announcement),
		attestations:  make(map[string]*dlc.Attestation),
	}
}

// get fetches and decodes a JSON payload.
func (h *HTTPClient) get(ctx context.Context, path string,
	target any) error {

	reqURL := h.baseURL + path

	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, reqURL, nil,
	)
	if err != nil {
		return err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return dlc.NewError(dlc.KindTransportError, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return dlc.Errorf(dlc.KindNotFound, "oracle has no %s", path)
	}
	if resp.StatusCode != http.StatusOK {
		return dlc.Errorf(dlc.KindTransportError, "oracle "+
			"returned status %d for %s", resp.StatusCode, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return dlc.NewError(dlc.KindTransportError, err)
	}

	return nil
}

// parsePubKey parses a hex encoded x-only or compressed public key.
func parsePubKey(s string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid key hex: %w", err)
	}

	switch len(raw) {
	case 32:
		return schnorr.ParsePubKey(raw)
	case 33:
		return btcec.ParsePubKey(raw)
	default:
		return nil, fmt.Errorf("invalid key length %d", len(raw))
	}
}

// GetAnnouncement returns the announcement with the given id, from cache
// when possible.
func (h *HTTPClient) GetAnnouncement(ctx context.Context,
	id string) (*dlc.Announcement, error) {

	h.mu.Lock()
	if ann, ok := h.announcements[id]; ok {
		h.mu.Unlock()
		return ann, nil
	}
	h.mu.Unlock()

	var payload announcementJSON
	path := "/announcement/" + url.PathEscape(id)
	if err := h.get(ctx, path, &payload); err != nil {
		return nil, err
	}

	pubKey, err := parsePubKey(payload.PubKey)
	if err != nil {
		return nil, dlc.NewError(dlc.KindOracleMismatch, err)
	}

	nonces := make([]*btcec.PublicKey, len(payload.Nonces))
	for i, nonceHex := range payload.Nonces {
		nonces[i], err = parsePubKey(nonceHex)
		if err != nil {
			return nil, dlc.NewError(dlc.KindOracleMismatch, err)
		}
	}

	ann := &dlc.Announcement{
		ID:            payload.ID,
		PubKey:        pubKey,
		Nonces:        nonces,
		EventMaturity: payload.EventMaturity,
		Base:          payload.Base,
		NbDigits:      payload.NbDigits,
		Outcomes:      payload.Outcomes,
	}
	if err := ann.Validate(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.announcements[id] = ann
	h.mu.Unlock()

	log.Debugf("Fetched announcement %q (%d nonces)", id,
		len(ann.Nonces))

	return ann, nil
}

// GetAttestation returns the attestation for the given announcement id.
func (h *HTTPClient) GetAttestation(ctx context.Context,
	id string) (*dlc.Attestation, error) {

	h.mu.Lock()
	if att, ok := h.attestations[id]; ok {
		h.mu.Unlock()
		return att, nil
	}
	h.mu.Unlock()

	var payload attestationJSON
	path := "/attestation/" + url.PathEscape(id)
	if err := h.get(ctx, path, &payload); err != nil {
		return nil, err
	}

	sigs := make([]*schnorr.Signature, len(payload.Signatures))
	for i, sigHex := range payload.Signatures {
		raw, err := hex.DecodeString(sigHex)
		if err != nil {
			return nil, dlc.NewError(dlc.KindOracleMismatch, err)
		}
		sigs[i], err = schnorr.ParseSignature(raw)
		if err != nil {
			return nil, dlc.NewError(dlc.KindOracleMismatch, err)
		}
	}

	att := &dlc.Attestation{
		ID:         payload.ID,
		Signatures: sigs,
		Outcomes:   payload.Outcomes,
	}

	h.mu.Lock()
	h.attestations[id] = att
	h.mu.Unlock()

	log.Infof("Fetched attestation %q with outcomes %v", id,
		att.Outcomes)

	return att, nil
}
