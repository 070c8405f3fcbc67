// ABOUTME: Unit tests for the scan control and status endpoints.
// ABOUTME: Tests accepted, cached, conflict and cancellation responses.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jfeddern/KubeScan/internal/engine"
	"github.com/jfeddern/KubeScan/internal/status"
	"github.com/jfeddern/KubeScan/internal/types"

	"github.com/sirupsen/logrus"
)

// MockScanController implements ScanController for testing
type MockScanController struct {
	ticket     *engine.Ticket
	err        error
	status     types.ScanStatus
	cancelled  bool
	lastForce  bool
	startCalls int
}

func (m *MockScanController) StartScan(ctx context.Context, force bool) (*engine.Ticket, error) {
	m.startCalls++
	m.lastForce = force
	return m.ticket, m.err
}

func (m *MockScanController) Cancel() bool {
	return m.cancelled
}

func (m *MockScanController) GetStatus() types.ScanStatus {
	return m.status
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise in tests
	return logger
}

func decodeStatus(t *testing.T, w *httptest.ResponseRecorder) StatusResponse {
	t.Helper()
	var response StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}
	return response
}

func TestScanHandlerStart(t *testing.T) {
	tests := []struct {
		name           string
		query          string
		controller     *MockScanController
		expectedCode   int
		expectedStatus string
		expectedScanID string
		expectedForce  bool
	}{
		{
			name:           "accepted",
			controller:     &MockScanController{ticket: &engine.Ticket{ScanID: "scan-1"}},
			expectedCode:   http.StatusAccepted,
			expectedStatus: "accepted",
			expectedScanID: "scan-1",
		},
		{
			name:           "cached",
			controller:     &MockScanController{ticket: &engine.Ticket{ScanID: "scan-0", Cached: true}},
			expectedCode:   http.StatusOK,
			expectedStatus: "cached",
			expectedScanID: "scan-0",
		},
		{
			name:           "forced",
			query:          "?force=true",
			controller:     &MockScanController{ticket: &engine.Ticket{ScanID: "scan-2"}},
			expectedCode:   http.StatusAccepted,
			expectedStatus: "accepted",
			expectedScanID: "scan-2",
			expectedForce:  true,
		},
		{
			name: "already running",
			controller: &MockScanController{
				err:    status.ErrAlreadyRunning,
				status: types.ScanStatus{ScanID: "scan-9", Phase: types.PhaseRunning, Message: "Scanning targets"},
			},
			expectedCode:   http.StatusConflict,
			expectedStatus: "already_running",
			expectedScanID: "scan-9",
		},
		{
			name:           "start failure",
			controller:     &MockScanController{err: errors.New("boom")},
			expectedCode:   http.StatusInternalServerError,
			expectedStatus: "error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewScanHandler(tt.controller, testLogger())

			req := httptest.NewRequest(http.MethodPost, "/scan"+tt.query, nil)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.expectedCode {
				t.Fatalf("Expected status %d, got %d", tt.expectedCode, w.Code)
			}
			if contentType := w.Header().Get("Content-Type"); contentType != "application/json" {
				t.Errorf("Expected Content-Type application/json, got %s", contentType)
			}

			response := decodeStatus(t, w)
			if response.Status != tt.expectedStatus {
				t.Errorf("Expected status %q, got %q", tt.expectedStatus, response.Status)
			}
			if response.ScanID != tt.expectedScanID {
				t.Errorf("Expected scan id %q, got %q", tt.expectedScanID, response.ScanID)
			}
			if tt.controller.lastForce != tt.expectedForce {
				t.Errorf("Expected force=%v, got %v", tt.expectedForce, tt.controller.lastForce)
			}
		})
	}
}

func TestScanHandlerInvalidForce(t *testing.T) {
	controller := &MockScanController{ticket: &engine.Ticket{ScanID: "scan-1"}}
	handler := NewScanHandler(controller, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/scan?force=maybe", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
	if controller.startCalls != 0 {
		t.Errorf("Expected no scan to be started, got %d calls", controller.startCalls)
	}
}

func TestScanHandlerCancel(t *testing.T) {
	t.Run("running scan", func(t *testing.T) {
		controller := &MockScanController{
			cancelled: true,
			status:    types.ScanStatus{ScanID: "scan-3", Phase: types.PhaseRunning},
		}
		handler := NewScanHandler(controller, testLogger())

		req := httptest.NewRequest(http.MethodDelete, "/scan", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", w.Code)
		}
		response := decodeStatus(t, w)
		if response.Status != "cancelling" || response.ScanID != "scan-3" {
			t.Errorf("Unexpected response: %+v", response)
		}
	})

	t.Run("nothing running", func(t *testing.T) {
		handler := NewScanHandler(&MockScanController{}, testLogger())

		req := httptest.NewRequest(http.MethodDelete, "/scan", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusConflict {
			t.Fatalf("Expected status 409, got %d", w.Code)
		}
		if response := decodeStatus(t, w); response.Status != "not_running" {
			t.Errorf("Expected not_running, got %q", response.Status)
		}
	})
}

func TestScanHandlerMethodNotAllowed(t *testing.T) {
	handler := NewScanHandler(&MockScanController{}, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/scan", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
	if allow := w.Header().Get("Allow"); allow != "POST, DELETE" {
		t.Errorf("Expected Allow header 'POST, DELETE', got %q", allow)
	}
}

func TestStatusHandler(t *testing.T) {
	controller := &MockScanController{
		status: types.ScanStatus{
			ScanID:         "scan-4",
			Phase:          types.PhaseRunning,
			Progress:       40,
			TotalTargets:   10,
			ScannedTargets: 4,
		},
	}
	handler := CreateStatusHandler(controller, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/scan/status?pretty=1", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var snapshot types.ScanStatus
	if err := json.Unmarshal(w.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}
	if snapshot != controller.status {
		t.Errorf("Expected %+v, got %+v", controller.status, snapshot)
	}
}
