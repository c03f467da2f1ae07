package dhcpsvc

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/AdguardTeam/golibs/container"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/timeutil"
)

// Server is the default [Interface] implementation, orchestrating the
// admission gate, the per-network plugin chains, and the lease backend, per
// §4.1-§4.3.
type Server struct {
	enabled *atomic.Bool
	logger  *slog.Logger

	deviceManager NetworkDeviceManager

	// devices are the network devices opened in [Server.Start], mapped to
	// their names.  Those are closed in [Server.Shutdown].
	devices container.KeyValues[string, NetworkDevice]

	backend  LeaseBackend
	networks Networks

	// bindings maps a device name to the network it serves.
	bindings map[string]InterfaceBinding

	// chains4 and chains6 hold one [Chain] per network name, keyed by
	// [Network.Name], for the matching address family.
	chains4 map[string]*Chain
	chains6 map[string]*Chain

	gate    *AdmissionGate
	metrics *Metrics
	clock   timeutil.Clock

	snapshotPath string

	wg sync.WaitGroup
}

// type check
var _ Interface = (*Server)(nil)

// New returns a new *Server built from conf.  conf must be valid, see
// [Config.Validate].  If conf is disabled, New returns [Empty] instead.
func New(ctx context.Context, conf *Config) (srv Interface, err error) {
	if conf == nil {
		return nil, errNilConfig
	}

	if !conf.Enabled {
		conf.Logger.DebugContext(ctx, "disabled")

		return Empty{}, nil
	}

	clock := conf.Clock
	if clock == nil {
		clock = timeutil.SystemClock{}
	}

	metrics := conf.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	if conf.Registry != nil {
		metrics.Register(conf.Registry)
	}

	backend := conf.Backend
	if backend == nil {
		backend, err = NewLocalBackend(ctx, &LocalBackendConfig{
			DBPath: conf.DBFilePath,
			Logger: conf.Logger.With(slogutil.KeyPrefix, "backend_local"),
			Clock:  clock,
		})
		if err != nil {
			return nil, fmt.Errorf("opening local backend: %w", err)
		}
	}

	if conf.SnapshotPath != "" {
		if local, ok := backend.(*LocalBackend); ok {
			err = local.ImportSnapshot(ctx, conf.SnapshotPath)
			if err != nil {
				return nil, fmt.Errorf("seeding from snapshot: %w", err)
			}
		}
	}

	enabled := &atomic.Bool{}
	enabled.Store(true)

	s := &Server{
		enabled:       enabled,
		logger:        conf.Logger,
		deviceManager: conf.NetworkDeviceManager,
		backend:       backend,
		networks:      conf.Networks,
		bindings:      interfacesByDevice(conf.Interfaces),
		chains4:       map[string]*Chain{},
		chains6:       map[string]*Chain{},
		gate:          NewAdmissionGate(conf.MaxInFlight, metrics.InFlight),
		metrics:       metrics,
		clock:         clock,
		snapshotPath:  conf.SnapshotPath,
	}

	static := conf.StaticAssignments
	if static == nil {
		static = emptyStaticAssignments{}
	}
	staticPlugin := NewStaticPlugin(static, conf.Networks, conf.Logger.With(slogutil.KeyPrefix, "static"))

	var checker addressChecker = noopAddressChecker{}
	if conf.EnablePreOfferProbe {
		checker = newICMPAddressChecker(conf.Logger.With(slogutil.KeyPrefix, "icmp_checker"))
	}

	serverDUID := conf.ServerDUID
	if len(serverDUID) == 0 {
		serverDUID = newServerDUID()
	}

	for _, n := range conf.Networks {
		switch n.Family {
		case AddrFamilyIPv4:
			s.chains4[n.Name] = NewChain(
				MessageTypePluginV4{},
				staticPlugin,
				NewLeasePluginV4(&LeasePluginV4Config{
					Network: n,
					Backend: backend,
					Checker: checker,
					Clock:   clock,
					Logger:  conf.Logger.With(slogutil.KeyPrefix, "lease_v4", "network", n.Name),
				}),
			)
		case AddrFamilyIPv6:
			s.chains6[n.Name] = NewChain(
				MessageTypePluginV6{},
				staticPlugin,
				NewLeasePluginV6(&LeasePluginV6Config{
					Network:    n,
					Backend:    backend,
					Checker:    checker,
					Clock:      clock,
					ServerDUID: serverDUID,
					Logger:     conf.Logger.With(slogutil.KeyPrefix, "lease_v6", "network", n.Name),
				}),
			)
		}
	}

	return s, nil
}

// Start implements the [Interface] interface for *Server.  It opens every
// bound network device and starts one receive goroutine per device.
func (s *Server) Start(ctx context.Context) (err error) {
	s.logger.DebugContext(ctx, "starting dhcp server")

	var errs []error
	for _, devName := range sortedDeviceNames(s.bindings) {
		b := s.bindings[devName]

		n, ok := s.networks.byName(b.Network)
		if !ok {
			errs = append(errs, fmt.Errorf("interface %q: network %q not found", devName, b.Network))

			continue
		}

		chain, ok := s.chainFor(n)
		if !ok {
			errs = append(errs, fmt.Errorf("interface %q: no chain for network %q", devName, b.Network))

			continue
		}

		var dev NetworkDevice
		dev, err = s.deviceManager.Open(ctx, &NetworkDeviceConfig{Name: devName})
		if err != nil {
			errs = append(errs, fmt.Errorf("opening %q: %w", devName, err))

			continue
		}

		s.devices = append(s.devices, container.KeyValue[string, NetworkDevice]{
			Key:   devName,
			Value: dev,
		})

		s.wg.Add(1)
		go func(n *Network, chain *Chain, dev NetworkDevice) {
			defer s.wg.Done()

			s.serve(context.WithoutCancel(ctx), n, chain, dev)
		}(n, chain, dev)
	}

	return errors.Join(errs...)
}

// Shutdown implements the [Interface] interface for *Server.  It closes
// every opened device, which unblocks the matching receive goroutine, waits
// for them to exit or for ctx to be done, and exports a final snapshot if
// configured.
func (s *Server) Shutdown(ctx context.Context) (err error) {
	s.logger.DebugContext(ctx, "shutting down dhcp server")

	var errs []error
	for _, kv := range s.devices {
		err = kv.Value.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("closing device %q: %w", kv.Key, err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for receive goroutines: %w", ctx.Err()))
	}

	if s.snapshotPath != "" {
		if local, ok := s.backend.(*LocalBackend); ok {
			err = local.ExportSnapshot(ctx, s.snapshotPath)
			if err != nil {
				errs = append(errs, fmt.Errorf("exporting final snapshot: %w", err))
			}
		}
	}

	return errors.Join(errs...)
}

// chainFor returns the chain serving n's address family, if any.
func (s *Server) chainFor(n *Network) (chain *Chain, ok bool) {
	switch n.Family {
	case AddrFamilyIPv4:
		chain, ok = s.chains4[n.Name]
	case AddrFamilyIPv6:
		chain, ok = s.chains6[n.Name]
	}

	return chain, ok
}

// Enabled implements the [Interface] interface for *Server.
func (s *Server) Enabled() (ok bool) {
	return s.enabled.Load()
}

// HostByIP implements the [Interface] interface for *Server.
func (s *Server) HostByIP(ip netip.Addr) (host string) {
	rec := s.recordByIP(ip)
	if rec == nil {
		return ""
	}

	return rec.Hostname
}

// IdentityByIP implements the [Interface] interface for *Server.
func (s *Server) IdentityByIP(ip netip.Addr) (id ClientIdentity) {
	rec := s.recordByIP(ip)
	if rec == nil {
		return ClientIdentity{}
	}

	return rec.Identity
}

// IPByHost implements the [Interface] interface for *Server.
func (s *Server) IPByHost(host string) (ip netip.Addr) {
	for _, n := range s.networks {
		recs, err := s.backend.SelectAll(context.Background(), n.Name)
		if err != nil {
			continue
		}

		for _, rec := range recs {
			if rec.Hostname == host {
				return rec.IP
			}
		}
	}

	return netip.Addr{}
}

// recordByIP scans the network containing ip for its current record.
func (s *Server) recordByIP(ip netip.Addr) (rec *Record) {
	n, ok := s.networks.find(ip)
	if !ok {
		return nil
	}

	rec, err := s.backend.Get(context.Background(), n.Name, ip)
	if err != nil || rec.State.IsFree() {
		return nil
	}

	return rec
}

// Leases implements the [Interface] interface for *Server.
func (s *Server) Leases(ctx context.Context) (leases []*Lease, err error) {
	var errs []error
	for _, n := range s.networks {
		var recs []*Record
		recs, err = s.backend.SelectAll(ctx, n.Name)
		if err != nil {
			errs = append(errs, fmt.Errorf("network %q: %w", n.Name, err))

			continue
		}

		for _, rec := range recs {
			leases = append(leases, fromRecord(rec))
		}
	}

	return leases, errors.Join(errs...)
}

// AddLease implements the [Interface] interface for *Server.
func (s *Server) AddLease(ctx context.Context, l *Lease) (err error) {
	_, err = s.backend.TryIP(ctx, l.Network, l.IP, l.Identity, l.Expiry)
	if err != nil {
		return fmt.Errorf("adding lease: %w", err)
	}

	return nil
}

// EditLease implements the [Interface] interface for *Server.
func (s *Server) EditLease(ctx context.Context, old, new *Lease) (err error) {
	err = s.backend.ReleaseIP(ctx, old.Network, old.IP, old.Identity)
	if err != nil {
		return fmt.Errorf("releasing old lease: %w", err)
	}

	return s.AddLease(ctx, new)
}

// RemoveLease implements the [Interface] interface for *Server.
func (s *Server) RemoveLease(ctx context.Context, l *Lease) (err error) {
	return s.backend.ReleaseIP(ctx, l.Network, l.IP, l.Identity)
}

// Reset implements the [Interface] interface for *Server.  It releases every
// dynamic lease across every configured network, leaving static assignments
// untouched.
func (s *Server) Reset(ctx context.Context) (err error) {
	var errs []error
	for _, n := range s.networks {
		recs, selErr := s.backend.SelectAll(ctx, n.Name)
		if selErr != nil {
			errs = append(errs, fmt.Errorf("network %q: %w", n.Name, selErr))

			continue
		}

		for _, rec := range recs {
			if rec.IsStatic {
				continue
			}

			relErr := s.backend.ReleaseIP(ctx, n.Name, rec.IP, rec.Identity)
			if relErr != nil {
				errs = append(errs, fmt.Errorf("network %q: releasing %s: %w", n.Name, rec.IP, relErr))
			}
		}
	}

	return errors.Annotate(errors.Join(errs...), "resetting leases: %w")
}

// emptyStaticAssignments is a [StaticAssignments] implementation with no
// entries, used when a [Config] carries none.
type emptyStaticAssignments struct{}

// type check
var _ StaticAssignments = emptyStaticAssignments{}

// Lookup implements the [StaticAssignments] interface for
// emptyStaticAssignments.  It always returns false.
func (emptyStaticAssignments) Lookup(_ ClientIdentity) (rec *StaticAssignment, ok bool) {
	return nil, false
}
