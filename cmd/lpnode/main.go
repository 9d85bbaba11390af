// Command lpnode runs one cluster node: it loads local pipe/model
// topology, joins the state network, and serves the job ingress and
// inter-node wire endpoints described in spec.md §6. Flag + signal
// handling follows the teacher's main.go (flag.* + signal.Notify +
// goroutine-per-server); the libp2p-vs-local-mode branch mirrors the
// teacher's --libp2p/--local switch, now selecting a statenet.Directory
// implementation instead of a P2P compute-worker transport.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lang-pipes/lpnode/internal/config"
	"github.com/lang-pipes/lpnode/internal/factory"
	"github.com/lang-pipes/lpnode/internal/fsm"
	"github.com/lang-pipes/lpnode/internal/lperr"
	"github.com/lang-pipes/lpnode/internal/metrics"
	"github.com/lang-pipes/lpnode/internal/model"
	"github.com/lang-pipes/lpnode/internal/pipe"
	"github.com/lang-pipes/lpnode/internal/receiver"
	"github.com/lang-pipes/lpnode/internal/statenet"
	"github.com/lang-pipes/lpnode/internal/tracker"
	"github.com/lang-pipes/lpnode/internal/transport"
	"github.com/lang-pipes/lpnode/internal/utils"
)

func main() {
	var (
		nodeID      = flag.String("node-id", "", "Node ID for this instance (required)")
		listenAddr  = flag.String("listen", "/ip4/0.0.0.0/tcp/0", "libp2p listen multiaddr (ignored in --local mode)")
		peerAddrs   = flag.String("peers", "", "Comma-separated bootstrap peer multiaddrs")
		localMode   = flag.Bool("local", false, "Local testing mode: static directory, no libp2p/DHT")
		testMode    = flag.Bool("test", false, "Enable debug logging")
		metricsAddr = flag.String("metrics-addr", "", "Override the configured metrics listen address")
	)
	flag.Parse()

	if *nodeID == "" {
		log.Fatalf("❌ --node-id is required")
	}
	if *testMode {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	log.Printf("🚀 starting lpnode (node_id=%s)", *nodeID)

	mgr := config.NewManager(*nodeID)
	cfg, err := mgr.LoadConfig()
	if err != nil {
		log.Fatalf("❌ load config: %v", err)
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *localMode {
		cfg.LocalMode = true
	}
	for _, p := range strings.Split(*peerAddrs, ",") {
		if p = strings.TrimSpace(p); p != "" {
			mgr.AddBootstrapPeer(p)
		}
	}
	cfg = mgr.GetConfig()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	dir, closeDir := buildDirectory(*nodeID, *listenAddr, cfg)
	if closeDir != nil {
		defer closeDir()
	}
	if err := dir.PublishJobPort(cfg.JobPort); err != nil {
		log.Printf("⚠️ publish job_port: %v", err)
	}

	tr := tracker.New(cfg.CheckInterval(), cfg.ExpiredJobTime())
	defer tr.Stop()

	sender := transport.NewSender(dir, nil)
	res := newNodeResolver(*nodeID, cfg)

	proc := fsm.New(*nodeID, res, tr, sender, m, cfg.PrefillChunkSize)
	defer proc.Stop()

	recv := receiver.New(*nodeID, proc, sender, m, 4)
	defer recv.Stop()

	f := factory.New(*nodeID, res, tr, sender)

	mux := http.NewServeMux()
	mux.HandleFunc("/layer_job", func(w http.ResponseWriter, r *http.Request) {
		handleLayerJob(w, r, recv)
	})
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		handleStart(w, r, f)
	})

	jobAddr := fmt.Sprintf(":%d", cfg.JobPort)
	if err := utils.CheckPortAvailable(jobAddr); err != nil {
		log.Fatalf("❌ job_port %d unavailable: %v", cfg.JobPort, err)
	}

	jobSrv := &http.Server{Addr: jobAddr, Handler: mux}
	go func() {
		log.Printf("📡 job endpoint listening on %s", jobSrv.Addr)
		if err := jobSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ job endpoint: %v", err)
		}
	}()

	if cfg.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
		go func() {
			log.Printf("📈 metrics listening on %s", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("⚠️ metrics server: %v", err)
			}
		}()
		defer metricsSrv.Close()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Printf("🛑 shutting down lpnode (node_id=%s)", *nodeID)
	jobSrv.Close()
}

func buildDirectory(nodeID, listenAddr string, cfg *config.NodeConfig) (statenet.Directory, func() error) {
	if cfg.LocalMode {
		log.Printf("🏠 local mode: static directory, no libp2p/DHT")
		sd := statenet.NewStaticDirectory()
		sd.Set(nodeID, fmt.Sprintf("127.0.0.1:%d", cfg.JobPort))
		return sd, nil
	}
	d, err := statenet.NewLibP2PDirectory(context.Background(), listenAddr, cfg.BootstrapPeers)
	if err != nil {
		log.Fatalf("❌ start libp2p directory: %v", err)
	}
	return d, d.Close
}

// handleLayerJob is the inter-node wire endpoint (spec §4.8, §6): decode,
// hash-check/enqueue via the Receiver; 200 on accept, non-200 otherwise
// (the sender's transport.Sender treats any non-200 as SendFailed).
func handleLayerJob(w http.ResponseWriter, r *http.Request, recv *receiver.Receiver) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if err := recv.HandleEnvelope(body); err != nil {
		log.Printf("[ingress] handle envelope: %v", err)
		if errors.Is(err, lperr.ErrMalformedEnvelope) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// hash-mismatch bounces are handled internally (envelope returned
		// to origin); still a 200 to the caller, which only cares that
		// delivery itself succeeded.
	}
	w.WriteHeader(http.StatusOK)
}

type startRequest struct {
	ModelID             string            `json:"model_id"`
	Messages            []json.RawMessage `json:"messages"`
	MaxCompletionTokens int               `json:"max_completion_tokens"`
	Temperature         float64           `json:"temperature"`
	TopP                float64           `json:"top_p"`
	TopK                int               `json:"top_k"`
	MinP                float64           `json:"min_p"`
	PresencePenalty     float64           `json:"presence_penalty"`
}

// handleStart is a placeholder for the out-of-scope OpenAI-shaped HTTP
// ingress (spec §1): it answers every POST with 501 Not Implemented. It
// does not decode a startRequest and does not call factory.Start.
func handleStart(w http.ResponseWriter, r *http.Request, f *factory.Factory) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	http.Error(w, "start: request decoding is the out-of-scope HTTP ingress's job; wire a real frontend against factory.Factory.Start", http.StatusNotImplemented)
}

// nodeResolver satisfies both fsm.Resolver and factory.PipeResolver from
// the static topology declared in config.NodeConfig, standing in for the
// local model manager and weight store (spec §1, out of scope).
type nodeResolver struct {
	nodeID string
	pipes  map[string]*pipe.Pipe
	models map[string]*model.StubModel
	ends   map[string]bool
}

func newNodeResolver(nodeID string, cfg *config.NodeConfig) *nodeResolver {
	r := &nodeResolver{
		nodeID: nodeID,
		pipes:  make(map[string]*pipe.Pipe),
		models: make(map[string]*model.StubModel),
		ends:   make(map[string]bool),
	}
	for _, ps := range cfg.Pipes {
		p := &pipe.Pipe{PipeID: ps.PipeID, ModelID: ps.ModelID, NumHiddenLayers: ps.NumHiddenLayers}
		for _, seg := range ps.Segments {
			kind := pipe.KindVirtual
			if seg.NodeID == nodeID {
				kind = pipe.KindLocal
			}
			p.Segments = append(p.Segments, pipe.Segment{Kind: kind, NodeID: seg.NodeID, StartLayer: seg.StartLayer, EndLayer: seg.EndLayer, Loaded: seg.Loaded})
		}
		r.pipes[ps.ModelID] = p
	}
	for _, ms := range cfg.Models {
		r.models[ms.ModelID] = model.NewStubModel(ms.HiddenSize, ms.VocabSize, ms.NumHiddenLayers, ms.EOSTokenID)
		r.ends[ms.ModelID] = ms.IsEndNode
	}
	return r
}

func (r *nodeResolver) PipeForModel(modelID string) (*pipe.Pipe, bool) {
	p, ok := r.pipes[modelID]
	return p, ok
}

func (r *nodeResolver) HasEndModel(modelID string) bool { return r.ends[modelID] }

func (r *nodeResolver) EndModelForModel(modelID string) (model.EndModel, bool) {
	if !r.ends[modelID] {
		return nil, false
	}
	m, ok := r.models[modelID]
	return m, ok
}

// LayerModel returns this node's layer-forward implementation. Every
// model shares the same stub here since real weight-backed kernels are
// out of scope; a production build would select per-model.
func (r *nodeResolver) LayerModel() model.LayerModel { return model.StubLayerModel{} }

func (r *nodeResolver) NewCache() model.Cache {
	for _, m := range r.models {
		return m.NewCache()
	}
	return model.NewStubModel(1, 1, 1, 0).NewCache()
}
