// Command test-server is a small in-memory products API used as a local
// target for the products-api workload.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

type product struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type price struct {
	ID        int64   `json:"id"`
	ProductID int64   `json:"productId"`
	Value     float64 `json:"value"`
	Currency  string  `json:"currency"`
	InitDate  string  `json:"initDate,omitempty"`
	EndDate   string  `json:"endDate,omitempty"`
}

type store struct {
	mu       sync.RWMutex
	nextID   int64
	products map[int64]*product
	prices   map[int64][]price
}

func newStore() *store {
	return &store{products: make(map[int64]*product), prices: make(map[int64][]price)}
}

func (s *store) routes() http.Handler {
	mux := http.NewServeMux()
	health := func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "UP"})
	}
	mux.HandleFunc("GET /health", health)
	mux.HandleFunc("GET /actuator/health", health)
	mux.HandleFunc("POST /products", s.createProduct)
	mux.HandleFunc("GET /products/{id}", s.getProduct)
	mux.HandleFunc("POST /products/{id}/prices", s.createPrice)
	mux.HandleFunc("GET /products/{id}/prices", s.getPrices)
	return mux
}

func (s *store) createProduct(w http.ResponseWriter, r *http.Request) {
	var p product
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}

	s.mu.Lock()
	s.nextID++
	p.ID = s.nextID
	s.products[p.ID] = &p
	s.mu.Unlock()

	w.Header().Set("Location", "/products/"+strconv.FormatInt(p.ID, 10))
	writeJSON(w, http.StatusCreated, p)
}

func (s *store) getProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := s.productID(w, r)
	if !ok {
		return
	}
	s.mu.RLock()
	p := *s.products[id]
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, p)
}

func (s *store) createPrice(w http.ResponseWriter, r *http.Request) {
	id, ok := s.productID(w, r)
	if !ok {
		return
	}

	var p price
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.Value <= 0 || p.Currency == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "value and currency are required"})
		return
	}

	s.mu.Lock()
	s.nextID++
	p.ID, p.ProductID = s.nextID, id
	s.prices[id] = append(s.prices[id], p)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, p)
}

// getPrices lists a product's prices, filtered by currency and by a date
// inside [initDate, endDate].
func (s *store) getPrices(w http.ResponseWriter, r *http.Request) {
	id, ok := s.productID(w, r)
	if !ok {
		return
	}
	currency := r.URL.Query().Get("currency")
	date := r.URL.Query().Get("date")

	s.mu.RLock()
	out := make([]price, 0, len(s.prices[id]))
	for _, p := range s.prices[id] {
		if currency != "" && p.Currency != currency {
			continue
		}
		if date != "" && (date < p.InitDate || (p.EndDate != "" && date > p.EndDate)) {
			continue
		}
		out = append(out, p)
	}
	s.mu.RUnlock()

	if len(out) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no prices"})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// productID resolves the {id} path value, writing a 404 when the product
// does not exist.
func (s *store) productID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err == nil {
		s.mu.RLock()
		_, exists := s.products[id]
		s.mu.RUnlock()
		if exists {
			return id, true
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "product not found"})
	return 0, false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func main() {
	addr := pflag.StringP("addr", "a", ":8080", "listen address")
	pflag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	// Configure server for high throughput
	server := &http.Server{
		Addr:              *addr,
		Handler:           newStore().routes(),
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      5 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ReadHeaderTimeout: 2 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("starting products API", zap.String("addr", *addr), zap.Int("cpus", runtime.NumCPU()))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}
}
