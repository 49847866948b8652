// Command datadistributor runs the data distributor's bootstrap loop
// against a live etcd cluster. Grounded on
// placementdriver/cmd/placementdriver/main.go's flag-parse-then-serve
// shape: a flat set of flags, one long-running component started in the
// foreground, and a signal handler that asks it to stop cleanly rather
// than killing the process.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/tkvstore/datadistributor/internal/audit"
	"github.com/tkvstore/datadistributor/internal/ddconfig"
	"github.com/tkvstore/datadistributor/internal/ddenabled"
	"github.com/tkvstore/datadistributor/internal/ddlog"
	"github.com/tkvstore/datadistributor/internal/ddmetrics"
	"github.com/tkvstore/datadistributor/internal/ddtypes"
	"github.com/tkvstore/datadistributor/internal/durable"
	"github.com/tkvstore/datadistributor/internal/supervisor"
)

var (
	etcdEndpoints  string
	etcdPrefix     string
	etcdDialTO     time.Duration
	nodeID         string
	metricsAddr    string
	storageServers string
	tssServers     string
	startEnabled   bool
)

func init() {
	flag.StringVar(&etcdEndpoints, "etcd-endpoints", "localhost:2379", "comma-separated etcd endpoints")
	flag.StringVar(&etcdPrefix, "etcd-prefix", "/dd/default/", "etcd key prefix this cluster's durable state lives under")
	flag.DurationVar(&etcdDialTO, "etcd-dial-timeout", 5*time.Second, "etcd dial timeout")
	flag.StringVar(&nodeID, "node-id", "", "identifies this process as the move-keys lock owner")
	flag.StringVar(&metricsAddr, "metrics-addr", "localhost:9102", "listen address for /metrics")
	flag.StringVar(&storageServers, "storage-servers", "", "comma-separated storage server ids known to the audit engine")
	flag.StringVar(&tssServers, "tss-servers", "", "comma-separated subset of storage-servers that are testing storage servers, excluded from audit")
	flag.BoolVar(&startEnabled, "enabled", true, "seed the process-wide DD-enabled latch before the first LoadConfiguration")
}

func main() {
	flag.Parse()

	log := ddlog.NewStdLogger("datadistributor")

	if nodeID == "" {
		log.Error("node-id is required", nil, nil)
		os.Exit(1)
	}

	etcdClient, err := clientv3.New(clientv3.Config{
		Endpoints:   splitCSV(etcdEndpoints),
		DialTimeout: etcdDialTO,
	})
	if err != nil {
		log.Error("failed to dial etcd", err, nil)
		os.Exit(1)
	}
	defer etcdClient.Close()

	cfg := ddconfig.New()
	enabled := ddenabled.New(startEnabled)
	metrics := ddmetrics.NewPrometheus(nil)
	gateway := durable.NewEtcdGateway(etcdClient, etcdPrefix, log, cfg)
	ssi := newStaticStorageServers(splitCSV(storageServers), splitCSV(tssServers), log)

	super := supervisor.New(gateway, enabled, ssi, nil, nil, nil, cfg, log, metrics)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		log.Info("metrics server listening", ddlog.Fields{"addr": metricsAddr})
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server stopped", err, nil)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- super.Run(ctx, nodeID) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("received shutdown signal, halting", ddlog.Fields{"signal": sig.String()})
		haltCtx, haltCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if _, err := super.Handle(haltCtx, supervisor.HaltRequest{}); err != nil {
			log.Warn("halt request failed, cancelling bootstrap loop directly", ddlog.Fields{"error": err.Error()})
			cancel()
		}
		haltCancel()
	case err := <-runErr:
		if err != nil {
			log.Error("bootstrap loop exited", err, nil)
		}
		cancel()
		shutdownMetricsServer(metricsServer, log)
		if err != nil {
			os.Exit(1)
		}
		return
	}

	select {
	case err := <-runErr:
		if err != nil {
			log.Error("bootstrap loop exited after halt", err, nil)
		}
	case <-time.After(15 * time.Second):
		log.Warn("bootstrap loop did not exit after halt, forcing shutdown", nil)
		cancel()
	}

	shutdownMetricsServer(metricsServer, log)
	log.Info("datadistributor stopped", nil)
}

func shutdownMetricsServer(srv *http.Server, log ddlog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("metrics server shutdown error", ddlog.Fields{"error": err.Error()})
	}
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// staticStorageServers is an audit.StorageServerInterfaces backed by a
// fixed, flag-configured server list rather than a live cluster
// membership service. No audit/snapshot wire protocol is defined in the
// retrieved worker proto surface, so AuditStorageServer logs the
// dispatch and reports success instead of issuing a real RPC; see
// DESIGN.md for the tracked simplification.
type staticStorageServers struct {
	servers []ddtypes.ServerInfo
	log     ddlog.Logger
}

func newStaticStorageServers(ids, tss []string, log ddlog.Logger) *staticStorageServers {
	isTSS := make(map[string]bool, len(tss))
	for _, id := range tss {
		isTSS[id] = true
	}
	servers := make([]ddtypes.ServerInfo, 0, len(ids))
	for _, id := range ids {
		servers = append(servers, ddtypes.ServerInfo{ID: ddtypes.ServerId(id), IsTSS: isTSS[id]})
	}
	return &staticStorageServers{servers: servers, log: log.With(ddlog.Fields{"component": "static-ssi"})}
}

func (s *staticStorageServers) AllServers(context.Context) ([]ddtypes.ServerInfo, error) {
	return append([]ddtypes.ServerInfo(nil), s.servers...), nil
}

func (s *staticStorageServers) SourceServersForRange(_ context.Context, rng ddtypes.KeyRange) ([]audit.SubRangeServers, error) {
	ids := make([]ddtypes.ServerId, 0, len(s.servers))
	for _, info := range s.servers {
		ids = append(ids, info.ID)
	}
	return []audit.SubRangeServers{{
		Range:     rng,
		PrimaryDC: "default",
		DCs:       map[string][]ddtypes.ServerId{"default": ids},
	}}, nil
}

func (s *staticStorageServers) AuditStorageServer(_ context.Context, server ddtypes.ServerId, rng ddtypes.KeyRange, typ ddtypes.AuditType) error {
	s.log.Debug("audit dispatch (no wire protocol configured, reporting success)", ddlog.Fields{
		"server": string(server), "range": rng.String(), "type": int(typ),
	})
	return nil
}
