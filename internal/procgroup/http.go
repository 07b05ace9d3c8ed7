package procgroup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	rglog "github.com/fxnlabs/resource-group/internal/logger"
	"go.uber.org/zap"
)

// CoordinatorRank is the rank that serves broadcasts in an HTTPGroup.
const CoordinatorRank = 0

const broadcastPath = "/v1/broadcast/"

// HTTPConfig configures an HTTPGroup.
type HTTPConfig struct {
	Rank int
	Size int
	// Coordinator is the host:port the coordinator rank listens on and the
	// other ranks connect to.
	Coordinator string
	// PollInterval is how often non-coordinator ranks retry while the
	// coordinator has not published yet. Defaults to 100ms.
	PollInterval time.Duration
	Client       *http.Client
}

type broadcast struct {
	payload []byte
	fetched map[int]bool
	done    chan struct{}
}

// HTTPGroup is a ProcessGroup whose broadcasts go through an HTTP endpoint
// served by rank 0. Every rank must issue the same sequence of broadcasts.
type HTTPGroup struct {
	cfg    HTTPConfig
	logger *zap.Logger

	server   *http.Server
	listener net.Listener

	mu         sync.Mutex
	seq        int
	broadcasts map[int]*broadcast
}

// NewHTTPGroup joins the group. On the coordinator rank it starts listening
// immediately, so that other ranks may connect before the first broadcast.
func NewHTTPGroup(cfg HTTPConfig, log *zap.Logger) (*HTTPGroup, error) {
	if cfg.Size < 1 {
		return nil, fmt.Errorf("invalid process group size %d", cfg.Size)
	}
	if cfg.Rank < 0 || cfg.Rank >= cfg.Size {
		return nil, fmt.Errorf("rank %d out of range for %d processes", cfg.Rank, cfg.Size)
	}
	if cfg.Coordinator == "" && cfg.Size > 1 {
		return nil, fmt.Errorf("coordinator address is required for %d processes", cfg.Size)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	g := &HTTPGroup{
		cfg:        cfg,
		logger:     rglog.Named(log, "procgroup").With(zap.Int("rank", cfg.Rank), zap.Int("size", cfg.Size)),
		broadcasts: make(map[int]*broadcast),
	}
	if cfg.Rank == CoordinatorRank && cfg.Size > 1 {
		ln, err := net.Listen("tcp", cfg.Coordinator)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on coordinator address %s: %w", cfg.Coordinator, err)
		}
		mux := http.NewServeMux()
		mux.HandleFunc("GET "+broadcastPath+"{seq}", g.handleBroadcast)
		g.listener = ln
		g.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				g.logger.Error("coordinator server stopped", zap.Error(err))
			}
		}()
		g.logger.Info("Coordinator listening", zap.String("address", ln.Addr().String()))
	}
	return g, nil
}

// Rank implements ProcessGroup.
func (g *HTTPGroup) Rank() int { return g.cfg.Rank }

// Size implements ProcessGroup.
func (g *HTTPGroup) Size() int { return g.cfg.Size }

// Broadcast implements ProcessGroup. Only the coordinator rank can be root.
func (g *HTTPGroup) Broadcast(ctx context.Context, payload []byte, root int) ([]byte, error) {
	if root != CoordinatorRank {
		return nil, fmt.Errorf("broadcast root must be the coordinator rank %d, got %d", CoordinatorRank, root)
	}
	if g.cfg.Size == 1 {
		return append([]byte(nil), payload...), nil
	}
	g.mu.Lock()
	g.seq++
	seq := g.seq
	g.mu.Unlock()

	if g.cfg.Rank == root {
		return g.publish(ctx, seq, payload)
	}
	return g.fetch(ctx, seq)
}

// publish makes payload available as broadcast seq and waits until every
// other rank fetched it.
func (g *HTTPGroup) publish(ctx context.Context, seq int, payload []byte) ([]byte, error) {
	b := &broadcast{
		payload: append([]byte(nil), payload...),
		fetched: make(map[int]bool),
		done:    make(chan struct{}),
	}
	g.mu.Lock()
	g.broadcasts[seq] = b
	g.mu.Unlock()
	g.logger.Debug("Published broadcast", zap.Int("seq", seq), zap.Int("bytes", len(payload)))

	select {
	case <-b.done:
		return b.payload, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("broadcast %d not received by all ranks: %w", seq, ctx.Err())
	}
}

func (g *HTTPGroup) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.Atoi(r.PathValue("seq"))
	if err != nil {
		http.Error(w, "invalid sequence number", http.StatusBadRequest)
		return
	}
	rank, err := strconv.Atoi(r.URL.Query().Get("rank"))
	if err != nil || rank == CoordinatorRank || rank < 0 || rank >= g.cfg.Size {
		http.Error(w, "invalid rank", http.StatusBadRequest)
		return
	}

	g.mu.Lock()
	b, ok := g.broadcasts[seq]
	if ok && !b.fetched[rank] {
		b.fetched[rank] = true
		if len(b.fetched) == g.cfg.Size-1 {
			close(b.done)
		}
	}
	g.mu.Unlock()
	if !ok {
		http.Error(w, "not published yet", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(b.payload)))
	if _, err := w.Write(b.payload); err != nil {
		g.logger.Warn("failed to send broadcast", zap.Int("seq", seq), zap.Int("to_rank", rank), zap.Error(err))
	}
}

// fetch polls the coordinator until broadcast seq is available.
func (g *HTTPGroup) fetch(ctx context.Context, seq int) ([]byte, error) {
	url := fmt.Sprintf("http://%s%s%d?rank=%d", g.cfg.Coordinator, broadcastPath, seq, g.cfg.Rank)
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()
	for {
		payload, err := g.tryFetch(ctx, url)
		if err == nil {
			g.logger.Debug("Received broadcast", zap.Int("seq", seq), zap.Int("bytes", len(payload)))
			return payload, nil
		}
		g.logger.Debug("Broadcast not available yet", zap.Int("seq", seq), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("broadcast %d not received from coordinator %s: %w (last error: %v)", seq, g.cfg.Coordinator, ctx.Err(), err)
		case <-ticker.C:
		}
	}
}

func (g *HTTPGroup) tryFetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.cfg.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coordinator returned %s", resp.Status)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Addr returns the address the coordinator listens on, or "" on other ranks.
func (g *HTTPGroup) Addr() string {
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// Close stops the coordinator endpoint. It is a no-op on other ranks.
func (g *HTTPGroup) Close() error {
	if g.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := g.server.Shutdown(ctx)
	// Shutdown only closes the listener once Serve has picked it up.
	if cerr := g.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) && err == nil {
		err = cerr
	}
	return err
}

var _ ProcessGroup = (*HTTPGroup)(nil)
