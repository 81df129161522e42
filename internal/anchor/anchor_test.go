package anchor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"lossguard/internal/audit"
	"lossguard/internal/config"
	"lossguard/internal/models"
	"lossguard/pkg/chain"
)

func openTrail(t *testing.T) *audit.Trail {
	t.Helper()
	trail, err := audit.Open(context.Background(), audit.NewMemoryStore())
	if err != nil {
		t.Fatal(err)
	}
	return trail
}

func TestBridge_AnchorsTrailRecords(t *testing.T) {
	ledger := chain.NewLedger(chain.NewLocalStore())
	trail := openTrail(t)
	b := NewBridge(ledger, config.AnchorConfig{BatchSize: 3, Interval: time.Hour}, nil)
	b.Attach(trail)
	b.Start()

	ctx := context.Background()
	var hashes []string
	appendN := func(n int) {
		for i := 0; i < n; i++ {
			rec, err := trail.Append(ctx, models.AuditAlertRaised, map[string]int{"i": len(hashes)})
			if err != nil {
				t.Fatal(err)
			}
			hashes = append(hashes, rec.Hash)
		}
	}
	// 满一批即提交；等首批落账后再追加，批次边界与调度无关
	appendN(3)
	waitAnchored(t, b, 3)
	appendN(2)
	b.Stop()

	if anchored, dropped := b.Stats(); anchored != 5 || dropped != 0 {
		t.Fatalf("anchored=%d dropped=%d", anchored, dropped)
	}
	for seq, h := range hashes {
		proof, err := ledger.GetMerkleProof(ctx, uint64(seq))
		if err != nil {
			t.Fatalf("seq %d: %v", seq, err)
		}
		if proof.LeafHash != h || !chain.VerifyProof(proof) {
			t.Errorf("seq %d: proof %+v", seq, proof)
		}
	}
	for _, id := range []string{"audit-0-2", "audit-3-4"} {
		if _, err := ledger.GetBatch(ctx, id); err != nil {
			t.Errorf("batch %s: %v", id, err)
		}
	}
}

func waitAnchored(t *testing.T, b *Bridge, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if anchored, _ := b.Stats(); anchored >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	anchored, _ := b.Stats()
	t.Fatalf("anchored=%d, want %d", anchored, want)
}

func TestBridge_StopAfterUnsubscribe(t *testing.T) {
	ledger := chain.NewLedger(chain.NewLocalStore())
	trail := openTrail(t)
	b := NewBridge(ledger, config.AnchorConfig{BatchSize: 10, Interval: time.Hour}, nil)
	b.Attach(trail)
	b.Start()
	b.Stop()
	if _, err := trail.Append(context.Background(), models.AuditAlertRaised, struct{}{}); err != nil {
		t.Fatal(err)
	}
	if _, err := ledger.GetMerkleProof(context.Background(), 0); err != chain.ErrNotFound {
		t.Fatalf("record after Stop anchored: %v", err)
	}
}

func TestServer_Routes(t *testing.T) {
	ledger := chain.NewLedger(chain.NewLocalStore())
	ctx := context.Background()
	if _, err := ledger.AppendBatch(ctx, "b1", []chain.Leaf{{Seq: 7, Hash: "h7"}, {Seq: 8, Hash: "h8"}}); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(NewServer(ledger).Routes())
	defer srv.Close()

	tests := []struct {
		path string
		code int
	}{
		{"/proof/7", http.StatusOK},
		{"/proof/99", http.StatusNotFound},
		{"/proof/x", http.StatusBadRequest},
		{"/batch/b1", http.StatusOK},
		{"/batch/none", http.StatusNotFound},
		{"/health", http.StatusOK},
	}
	for _, tt := range tests {
		resp, err := http.Get(srv.URL + tt.path)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != tt.code {
			t.Errorf("GET %s = %d, want %d", tt.path, resp.StatusCode, tt.code)
		}
		if tt.path == "/proof/7" {
			var pr ProofResponse
			if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil || !pr.Verified || pr.BatchID != "b1" {
				t.Errorf("proof response = %+v, %v", pr, err)
			}
		}
		resp.Body.Close()
	}
}
