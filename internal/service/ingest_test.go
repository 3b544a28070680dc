package service_test

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/anpr-toll-worker/internal/clock"
	"github.com/septivank/anpr-toll-worker/internal/cooldown"
	"github.com/septivank/anpr-toll-worker/internal/db"
	"github.com/septivank/anpr-toll-worker/internal/domain"
	"github.com/septivank/anpr-toll-worker/internal/ledger"
	"github.com/septivank/anpr-toll-worker/internal/memstore"
	"github.com/septivank/anpr-toll-worker/internal/mq"
	"github.com/septivank/anpr-toll-worker/internal/recognizer"
	"github.com/septivank/anpr-toll-worker/internal/registry"
	"github.com/septivank/anpr-toll-worker/internal/resolver"
	"github.com/septivank/anpr-toll-worker/internal/service"
	"github.com/septivank/anpr-toll-worker/internal/trips"
	"github.com/septivank/anpr-toll-worker/internal/validator"
	"go.uber.org/zap"
)

var start = time.Date(2025, 12, 29, 10, 0, 0, 0, time.UTC)

type fakeRecognizer struct {
	candidates []recognizer.Candidate
	err        error
	calls      int
}

func (f *fakeRecognizer) Recognize(context.Context, []byte) ([]recognizer.Candidate, error) {
	f.calls++
	return f.candidates, f.err
}

type harness struct {
	clock   *clock.FakeClock
	store   *memstore.Store
	reader  *fakeRecognizer
	service *service.IngestService
	ownerID uuid.UUID
}

func newHarness(gps db.GPSStatus) *harness {
	clk := clock.Fake(start)
	s := memstore.New(clk)
	ownerID := uuid.New()
	s.PutOwner(db.Owner{
		ID:            ownerID,
		Name:          "John Doe",
		WalletBalance: 5000,
		GPSStatus:     gps,
		Vehicles:      []db.Vehicle{{Plate: "KA01AB1234"}},
	})
	s.PutZone(db.TollZone{ID: "Z1", Name: "City Gateway", FlatRate: 150})

	logger := zap.NewNop()
	res := resolver.NewResolver(s, ledger.NewLedger(s, logger), mq.NopPublisher{}, clk, logger)
	machine := trips.NewMachine(s, registry.NewRegistry(s, time.Second), cooldown.NewFilter(s, 3*time.Second), res, 150, logger)
	rec := &fakeRecognizer{candidates: []recognizer.Candidate{{Plate: "ka-01 ab 1234", Score: 0.9}}}

	return &harness{
		clock:   clk,
		store:   s,
		reader:  rec,
		service: service.NewIngestService(validator.NewValidator(1<<20), rec, 0.5, machine, clk, logger),
		ownerID: ownerID,
	}
}

func frame() validator.SightingRequest {
	return validator.SightingRequest{
		Base64Image: base64.StdEncoding.EncodeToString([]byte("jpeg")),
		Operator:    &validator.Operator{TollZoneID: "Z1", TollZoneName: "City Gateway"},
	}
}

func TestProcessSighting_NewSession(t *testing.T) {
	h := newHarness(db.GPSDisconnected)

	result, err := h.service.ProcessSighting(context.Background(), "req-1", frame())
	if err != nil {
		t.Fatalf("ProcessSighting failed: %v", err)
	}

	if !result.Success || result.Message != "New session started. Charge pending exit." {
		t.Errorf("Unexpected result: %+v", result)
	}
	if result.Plate != "KA01AB1234" {
		t.Errorf("Expected normalized plate KA01AB1234, got %s", result.Plate)
	}
	if result.IsRegistered == nil || !*result.IsRegistered {
		t.Error("Expected isRegistered=true")
	}
	if result.IsDuplicate == nil || *result.IsDuplicate {
		t.Error("Expected isDuplicate=false")
	}
}

func TestProcessSighting_Messages(t *testing.T) {
	h := newHarness(db.GPSDisconnected)
	ctx := context.Background()

	h.service.ProcessSighting(ctx, "req-1", frame())

	h.clock.Advance(time.Second)
	dup, err := h.service.ProcessSighting(ctx, "req-2", frame())
	if err != nil {
		t.Fatalf("ProcessSighting failed: %v", err)
	}
	if dup.Message != "Duplicate ignored." || dup.IsDuplicate == nil || !*dup.IsDuplicate {
		t.Errorf("Expected duplicate result, got %+v", dup)
	}

	h.clock.Advance(time.Minute)
	ext, err := h.service.ProcessSighting(ctx, "req-3", frame())
	if err != nil {
		t.Fatalf("ProcessSighting failed: %v", err)
	}
	if ext.Message != "Session updated. No charge yet." {
		t.Errorf("Expected extension result, got %+v", ext)
	}
}

func TestProcessSighting_GPSBypass(t *testing.T) {
	h := newHarness(db.GPSConnected)

	result, err := h.service.ProcessSighting(context.Background(), "req-1", frame())
	if err != nil {
		t.Fatalf("ProcessSighting failed: %v", err)
	}
	if result.Message != "GPS Connected: Bypass applied." {
		t.Errorf("Expected bypass message, got %q", result.Message)
	}
}

func TestProcessSighting_NoPlateDetected(t *testing.T) {
	h := newHarness(db.GPSDisconnected)
	h.reader.candidates = []recognizer.Candidate{{Plate: "KA01AB1234", Score: 0.2}}

	result, err := h.service.ProcessSighting(context.Background(), "req-1", frame())
	if err != nil {
		t.Fatalf("ProcessSighting failed: %v", err)
	}
	if result.Success || result.Message != "No plate detected." {
		t.Errorf("Expected no-plate result, got %+v", result)
	}
	if n := len(h.store.Trips()); n != 0 {
		t.Errorf("Expected no trips, got %d", n)
	}
}

func TestProcessSighting_RecognizerDown(t *testing.T) {
	h := newHarness(db.GPSDisconnected)
	h.reader.err = domain.UpstreamError{Service: "plate recognition", Err: errors.New("503")}

	_, err := h.service.ProcessSighting(context.Background(), "req-1", frame())
	if !domain.IsUpstream(err) {
		t.Errorf("Expected UpstreamError, got %v", err)
	}
	if n := len(h.store.Trips()); n != 0 {
		t.Errorf("Expected no trips, got %d", n)
	}
}

func TestProcessSighting_Invalid(t *testing.T) {
	h := newHarness(db.GPSDisconnected)

	_, err := h.service.ProcessSighting(context.Background(), "req-1", validator.SightingRequest{Base64Image: "aGVsbG8="})
	if !domain.IsValidation(err) {
		t.Errorf("Expected ValidationError, got %v", err)
	}
}

func TestProcessMessage_Frame(t *testing.T) {
	h := newHarness(db.GPSDisconnected)
	body := []byte(`{"request_id":"msg-1","base64Image":"anBlZw==","operator":{"tollZoneId":"Z1"}}`)

	if err := h.service.ProcessMessage(context.Background(), body); err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}

	all := h.store.Trips()
	if len(all) != 1 || all[0].Plate != "KA01AB1234" {
		t.Errorf("Expected one trip for KA01AB1234, got %+v", all)
	}
}

func TestProcessMessage_PlateWithoutImage(t *testing.T) {
	h := newHarness(db.GPSDisconnected)
	body := []byte(`{"request_id":"msg-1","plate":"KA01AB1234","operator":{"tollZoneId":"Z1"}}`)

	err := h.service.ProcessMessage(context.Background(), body)
	if !domain.IsValidation(err) {
		t.Errorf("Expected ValidationError, got %v", err)
	}
	if h.reader.calls != 0 {
		t.Errorf("Expected recognizer not to be called, got %d calls", h.reader.calls)
	}
	if n := len(h.store.Trips()); n != 0 {
		t.Errorf("Expected no trips, got %d", n)
	}
}

func TestProcessMessage_Malformed(t *testing.T) {
	h := newHarness(db.GPSDisconnected)

	err := h.service.ProcessMessage(context.Background(), []byte(`{not json`))
	if !domain.IsValidation(err) {
		t.Errorf("Expected ValidationError, got %v", err)
	}
}

func TestProcessMessage_UnknownZone(t *testing.T) {
	h := newHarness(db.GPSDisconnected)
	body := []byte(`{"base64Image":"anBlZw==","operator":{"tollZoneId":"Z9"}}`)

	err := h.service.ProcessMessage(context.Background(), body)
	if !domain.IsNotFound(err) {
		t.Errorf("Expected NotFoundError, got %v", err)
	}
}
