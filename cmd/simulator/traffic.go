package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nshruti113/dos-protect/internal/models"
)

// Phase is one stretch of constant traffic.
type Phase struct {
	Name     string
	Duration time.Duration
	GoodRate float64 // requests per second, shared by all good clients
	BadRate  float64 // requests per second per bad client
}

// Counts are the responses observed during a phase.
type Counts struct {
	Sent, OK, Rejected, Limited, Failed atomic.Uint64
}

func (c *Counts) record(code int, err error) {
	c.Sent.Add(1)
	switch {
	case err != nil:
		c.Failed.Add(1)
	case code == http.StatusForbidden:
		c.Rejected.Add(1)
	case code == http.StatusTooManyRequests:
		c.Limited.Add(1)
	case code < 400:
		c.OK.Add(1)
	default:
		c.Failed.Add(1)
	}
}

// Simulator replays good clients from many addresses and bad clients from a
// few, either against the protected route (X-Forwarded-For carries the
// client) or through the ingestion API.
type Simulator struct {
	target  string
	host    string
	ingest  bool
	goodIPs []string
	badIPs  []string
	client  *http.Client
	logger  *zap.Logger
	sem     chan struct{}
}

func NewSimulator(target, host string, ingest bool, goodClients int, badIPs []string, logger *zap.Logger) *Simulator {
	goodIPs := make([]string, goodClients)
	for i := range goodIPs {
		goodIPs[i] = fmt.Sprintf("10.%d.%d.%d", i/65536%256, i/256%256, i%256)
	}
	return &Simulator{
		target:  target,
		host:    host,
		ingest:  ingest,
		goodIPs: goodIPs,
		badIPs:  badIPs,
		client:  &http.Client{Timeout: 5 * time.Second},
		logger:  logger,
		sem:     make(chan struct{}, 256),
	}
}

var (
	userAgents = []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36",
		"Mozilla/5.0 (iPhone; CPU iPhone OS 14_6 like Mac OS X)",
	}
	paths = []string{
		"/", "/api/users", "/api/products", "/login", "/dashboard",
		"/profile", "/search", "/checkout", "/api/orders", "/help",
	}
)

// GoodRequest is a browser-like request from one of many clients.
func (s *Simulator) GoodRequest() models.TrafficRequest {
	return models.TrafficRequest{
		ID:          uuid.NewString(),
		Timestamp:   time.Now(),
		SourceIP:    s.goodIPs[rand.Intn(len(s.goodIPs))],
		Method:      http.MethodGet,
		Host:        s.host,
		RequestPath: paths[rand.Intn(len(paths))],
		UserAgent:   userAgents[rand.Intn(len(userAgents))],
		Headers:     []string{"Accept", "Accept-Encoding", "Accept-Language", "User-Agent"},
		StatusCode:  http.StatusOK,
		Duration:    rand.Intn(40) + 10,
	}
}

// BadRequest is a scripted flood request from ip.
func (s *Simulator) BadRequest(ip string) models.TrafficRequest {
	return models.TrafficRequest{
		ID:          uuid.NewString(),
		Timestamp:   time.Now(),
		SourceIP:    ip,
		Method:      http.MethodGet,
		Host:        s.host,
		RequestPath: "/",
		UserAgent:   "curl/7.68.0",
		Headers:     []string{"User-Agent"},
		StatusCode:  http.StatusOK,
		Duration:    rand.Intn(100) + 100,
	}
}

// Send delivers req and returns the status the client saw.
func (s *Simulator) Send(ctx context.Context, req models.TrafficRequest) (int, error) {
	var (
		httpReq *http.Request
		err     error
	)
	if s.ingest {
		data, merr := json.Marshal(req)
		if merr != nil {
			return 0, merr
		}
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodPost, s.target+"/api/traffic/ingest", bytes.NewReader(data))
		if err != nil {
			return 0, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
	} else {
		httpReq, err = http.NewRequestWithContext(ctx, req.Method, s.target+req.RequestPath, nil)
		if err != nil {
			return 0, err
		}
		httpReq.Host = req.Host
		httpReq.Header.Set("X-Forwarded-For", req.SourceIP)
		httpReq.Header.Set("X-Request-ID", req.ID)
		httpReq.Header.Set("User-Agent", req.UserAgent)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if !s.ingest {
		return resp.StatusCode, nil
	}
	var decision struct {
		Disposition models.Disposition `json:"disposition"`
	}
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return 0, err
	}
	switch decision.Disposition {
	case models.Drop:
		return http.StatusForbidden, nil
	case models.Challenge:
		return http.StatusTooManyRequests, nil
	}
	return http.StatusOK, nil
}

// RunPhase paces good and bad clients for p.Duration and waits for every
// request in flight.
func (s *Simulator) RunPhase(ctx context.Context, p Phase) (good, bad *Counts) {
	good, bad = &Counts{}, &Counts{}
	ctx, cancel := context.WithTimeout(ctx, p.Duration)
	defer cancel()

	var wg sync.WaitGroup
	drive := func(limit float64, next func() models.TrafficRequest, counts *Counts) {
		defer wg.Done()
		if limit <= 0 {
			return
		}
		lim := rate.NewLimiter(rate.Limit(limit), max(1, int(limit/10)))
		for lim.Wait(ctx) == nil {
			select {
			case s.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			wg.Add(1)
			go func(req models.TrafficRequest) {
				defer func() {
					<-s.sem
					wg.Done()
				}()
				code, err := s.Send(context.WithoutCancel(ctx), req)
				counts.record(code, err)
			}(next())
		}
	}

	wg.Add(1 + len(s.badIPs))
	go drive(p.GoodRate, s.GoodRequest, good)
	for _, ip := range s.badIPs {
		go drive(p.BadRate, func() models.TrafficRequest { return s.BadRequest(ip) }, bad)
	}
	wg.Wait()

	s.logger.Info("phase done",
		zap.String("phase", p.Name),
		zap.Uint64("good_sent", good.Sent.Load()),
		zap.Uint64("good_ok", good.OK.Load()),
		zap.Uint64("good_rejected", good.Rejected.Load()+good.Limited.Load()),
		zap.Uint64("bad_sent", bad.Sent.Load()),
		zap.Uint64("bad_rejected", bad.Rejected.Load()),
		zap.Uint64("bad_limited", bad.Limited.Load()),
		zap.Uint64("failed", good.Failed.Load()+bad.Failed.Load()))
	return good, bad
}
