package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/gin-gonic/gin"

	"github.com/staeon/node/internal/consensus"
	"github.com/staeon/node/internal/epochsummary"
	"github.com/staeon/node/internal/gossip"
	"github.com/staeon/node/internal/ledger"
	"github.com/staeon/node/internal/mempool"
	"github.com/staeon/node/internal/peerset"
	"github.com/staeon/node/internal/walletcrypto"
	"github.com/staeon/node/pkg/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testNode(t *testing.T) (*Node, *walletcrypto.Key) {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	wif, err := btcutil.NewWIF(priv, walletcrypto.Params, true)
	if err != nil {
		t.Fatalf("encode WIF: %v", err)
	}
	key, err := walletcrypto.LoadWIF(wif.String())
	if err != nil {
		t.Fatalf("load WIF: %v", err)
	}

	peers := peerset.New()
	g := gossip.New(func() []string { return nil }, "self.example")

	return &Node{
		Domain:  "self.example",
		Key:     key,
		Ledger:  ledger.New(),
		Mempool: mempool.New(),
		Peers:   peers,
		Closer:  epochsummary.New(),
		Votes:   consensus.NewTracker(),
		Inbox:   consensus.NewInbox(),
		Gossip:  g,
	}, key
}

func TestGetSummaryWithoutEpochReturnsCurrentEpoch(t *testing.T) {
	n, _ := testNode(t)
	router := SetupRouter(n, nil)

	req := httptest.NewRequest(http.MethodGet, "/staeon/summary/", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if _, ok := body["currentEpoch"]; !ok {
		t.Fatalf("expected currentEpoch in response, got %v", body)
	}
}

func TestGetSummaryUnclosedEpochIs404(t *testing.T) {
	n, _ := testNode(t)
	router := SetupRouter(n, nil)

	req := httptest.NewRequest(http.MethodGet, "/staeon/summary/?epoch=999999", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unclosed epoch, got %d", w.Code)
	}
}

func TestGetLedgerRequiresAddressOrSyncStart(t *testing.T) {
	n, _ := testNode(t)
	router := SetupRouter(n, nil)

	req := httptest.NewRequest(http.MethodGet, "/staeon/ledger/", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 with no query params, got %d", w.Code)
	}
}

func TestGetLedgerByAddressReturnsSeededBalance(t *testing.T) {
	n, _ := testNode(t)
	n.Ledger.Seed("1SomeAddress", 500_000_000, time.Now().UTC())
	router := SetupRouter(n, nil)

	req := httptest.NewRequest(http.MethodGet, "/staeon/ledger/?address=1SomeAddress", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["balance"] != "5.00000000" {
		t.Errorf("expected balance 5.00000000, got %v", body["balance"])
	}
}

func TestAdminStatusRequiresBearerTokenWhenConfigured(t *testing.T) {
	t.Setenv("API_AUTH_TOKEN", "secret-token")
	n, _ := testNode(t)
	router := SetupRouter(n, nil)

	req := httptest.NewRequest(http.MethodGet, "/staeon/_admin/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without a token, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/staeon/_admin/status", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with a valid token, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPostConsensusPenaltyAccusationIsRecordedAndGossiped(t *testing.T) {
	n, _ := testNode(t)
	router := SetupRouter(n, nil)

	body := `{"epoch":5,"accusedDomain":"bad.example","accuserDomain":"self.example","correctHash":"aaaaaaaa","signature":"sig"}`
	form := "obj=" + url.QueryEscape(body)
	req := httptest.NewRequest(http.MethodPost, "/staeon/consensus/penalty", strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	accusations := n.Inbox.AccusationsForEpoch(5)
	if len(accusations) != 1 || accusations[0].AccusedDomain != "bad.example" {
		t.Fatalf("expected accusation recorded in inbox, got %v", accusations)
	}
}

func TestPostRejectionRequiresAllFields(t *testing.T) {
	n, _ := testNode(t)
	router := SetupRouter(n, nil)

	req := httptest.NewRequest(http.MethodPost, "/staeon/rejections/", nil)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 with missing fields, got %d", w.Code)
	}
}

func postRejectionForm(t *testing.T, router http.Handler, txid, domain, sig string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{"txid": {txid}, "domain": {domain}, "signature": {sig}}.Encode()
	req := httptest.NewRequest(http.MethodPost, "/staeon/rejections/", strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestPostRejectionAcceptsValidSignature(t *testing.T) {
	n, _ := testNode(t)

	priv, _ := btcec.NewPrivateKey()
	payout, err := walletcrypto.PubKeyToAddress(priv.PubKey(), true)
	if err != nil {
		t.Fatalf("address: %v", err)
	}
	n.Peers.Seed(models.Peer{Domain: "rejector.example", PayoutAddress: payout})

	router := SetupRouter(n, nil)

	txid := "deadbeef"
	sig, err := walletcrypto.Sign(mempool.RejectionMessage(txid, "rejector.example"), priv, true)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	w := postRejectionForm(t, router, txid, "rejector.example", sig)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for a validly signed rejection, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPostRejectionRejectsForgedSignature(t *testing.T) {
	n, _ := testNode(t)

	priv, _ := btcec.NewPrivateKey()
	payout, err := walletcrypto.PubKeyToAddress(priv.PubKey(), true)
	if err != nil {
		t.Fatalf("address: %v", err)
	}
	n.Peers.Seed(models.Peer{Domain: "rejector.example", PayoutAddress: payout})

	router := SetupRouter(n, nil)

	// Signed by an unrelated key, not rejector.example's registered
	// payout address — this must not be able to forge a rejection on
	// rejector.example's behalf.
	forger, _ := btcec.NewPrivateKey()
	sig, err := walletcrypto.Sign(mempool.RejectionMessage("deadbeef", "rejector.example"), forger, true)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	w := postRejectionForm(t, router, "deadbeef", "rejector.example", sig)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a forged rejection signature, got %d: %s", w.Code, w.Body.String())
	}
}
