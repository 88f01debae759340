package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"github.com/camden-git/footfallbackend/models"
	"github.com/camden-git/footfallbackend/services"
)

// CustomerReader is the read side of the customer store.
type CustomerReader interface {
	GetByID(ctx context.Context, id string) (*models.Customer, error)
	ListAll(ctx context.Context) ([]models.Customer, error)
	ListActive(ctx context.Context) ([]models.Customer, error)
}

type CustomerHandler struct {
	Customers CustomerReader
	Analytics *services.AnalyticsService
}

type customerResponse struct {
	models.Customer
	HasSnapshot bool  `json:"has_snapshot"`
	DwellMs     int64 `json:"dwell_ms"`
}

func newCustomerResponse(c models.Customer, now time.Time) customerResponse {
	return customerResponse{Customer: c, HasSnapshot: c.HasSnapshot(), DwellMs: c.Dwell(now).Milliseconds()}
}

// ListCustomers lists every customer, or only the present ones with
// ?active=true.
func (ch *CustomerHandler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	activeOnly := false
	if v := r.URL.Query().Get("active"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			WriteAPIError(w, http.StatusBadRequest, "invalid_parameter", "active must be true or false")
			return
		}
		activeOnly = parsed
	}

	var customers []models.Customer
	var err error
	if activeOnly {
		customers, err = ch.Customers.ListActive(r.Context())
	} else {
		customers, err = ch.Customers.ListAll(r.Context())
	}
	if err != nil {
		log.Printf("Error listing customers: %v", err)
		WriteAPIError(w, http.StatusInternalServerError, "internal_error", "Failed to retrieve customers")
		return
	}

	now := time.Now()
	out := make([]customerResponse, 0, len(customers))
	for _, c := range customers {
		out = append(out, newCustomerResponse(c, now))
	}
	writeJSON(w, http.StatusOK, out)
}

func (ch *CustomerHandler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	customer, ok := ch.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newCustomerResponse(*customer, time.Now()))
}

// GetSnapshot serves the customer's snapshot as a JPEG.
func (ch *CustomerHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	customer, ok := ch.lookup(w, r)
	if !ok {
		return
	}
	if !customer.HasSnapshot() {
		WriteAPIError(w, http.StatusNotFound, "snapshot_not_found", "No snapshot has been captured for this customer")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(customer.Snapshot)))
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(customer.Snapshot); err != nil {
		log.Printf("Error writing snapshot for customer %s: %v", customer.ID, err)
	}
}

func (ch *CustomerHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := ch.Analytics.Summary(r.Context())
	if err != nil {
		log.Printf("Error building census summary: %v", err)
		WriteAPIError(w, http.StatusInternalServerError, "internal_error", "Failed to build summary")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ExportCSV serves every customer as a CSV attachment.
func (ch *CustomerHandler) ExportCSV(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := ch.Analytics.WriteCSV(r.Context(), &buf); err != nil {
		log.Printf("Error exporting customers: %v", err)
		WriteAPIError(w, http.StatusInternalServerError, "internal_error", "Failed to export customers")
		return
	}

	filename := fmt.Sprintf("customers-%s.csv", time.Now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		log.Printf("Error writing customer export: %v", err)
	}
}

func (ch *CustomerHandler) lookup(w http.ResponseWriter, r *http.Request) (*models.Customer, bool) {
	id := chi.URLParam(r, "customer_id")
	customer, err := ch.Customers.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			WriteAPIError(w, http.StatusNotFound, "customer_not_found", "Customer not found")
		} else {
			log.Printf("Error getting customer %s: %v", id, err)
			WriteAPIError(w, http.StatusInternalServerError, "internal_error", "Failed to retrieve customer")
		}
		return nil, false
	}
	return customer, true
}
