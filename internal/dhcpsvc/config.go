package dhcpsvc

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/AdguardTeam/golibs/validate"
	"github.com/prometheus/client_golang/prometheus"
)

// InterfaceBinding binds a network device to the one configured [Network] it
// serves, per §3.
type InterfaceBinding struct {
	// Device is the name of the network interface to open.  It must be a
	// valid interface name on the system.
	Device string

	// Network names the configured [Network] this interface serves.  It
	// must match the Name of one of [Config.Networks].
	Network string
}

// type check
var _ validate.Interface = (*InterfaceBinding)(nil)

// Validate implements the [validate.Interface] interface for
// *InterfaceBinding.
func (b *InterfaceBinding) Validate() (err error) {
	if b == nil {
		return errors.ErrNoValue
	}

	return errors.Join(
		validate.NotEmpty("Device", b.Device),
		validate.NotEmpty("Network", b.Network),
	)
}

// Config is the configuration for the DHCP service.
type Config struct {
	// Logger will be used to log the DHCP events.  It must not be nil.
	Logger *slog.Logger

	// Networks are the configured subnets this server allocates addresses
	// for.  It must not be empty and every entry must be valid.
	Networks Networks

	// Interfaces binds network devices to the [Network]s they serve.  It
	// must not be empty when Enabled, and every binding's Network must name
	// an entry in Networks.
	Interfaces []InterfaceBinding

	// NetworkDeviceManager is the manager of network devices.  It must not be
	// nil.
	NetworkDeviceManager NetworkDeviceManager

	// StaticAssignments resolves out-of-band fixed address reservations, per
	// §4.4.  A nil value means no client has a static assignment.
	StaticAssignments StaticAssignments

	// Backend stores and coordinates leases, per §4.6.  If nil, a
	// [LocalBackend] is opened at DBFilePath.
	Backend LeaseBackend

	// DBFilePath is the path to the bbolt-backed database file for the
	// default local backend.  Unused if Backend is set.
	DBFilePath string

	// SnapshotPath, if non-empty, is where the local backend's lease table
	// is seeded from on startup and exported to once, on shutdown, see
	// [LocalBackend.ExportSnapshot].  It has no effect when the backend is
	// not a [LocalBackend].
	SnapshotPath string

	// LocalDomainName is the top-level domain name used to qualify DHCP
	// clients' hostnames.  It must be a valid domain name.
	LocalDomainName string

	// Metrics holds the server's prometheus collectors.  If nil, a fresh,
	// unregistered [Metrics] is constructed.
	Metrics *Metrics

	// Registry, if non-nil, has Metrics registered against it on [New].
	Registry *prometheus.Registry

	// Clock is the time source consulted throughout the server.  If nil,
	// [timeutil.SystemClock] is used.
	Clock timeutil.Clock

	// MaxInFlight bounds the number of exchanges processed concurrently by
	// the admission gate, per §4.1.  It must be positive.
	MaxInFlight int

	// EnablePreOfferProbe turns on the ICMP pre-offer probe described in
	// §4.5 and §9.  It requires the process to have permission to open raw
	// ICMP sockets.
	EnablePreOfferProbe bool

	// ServerDUID is this server's stable DHCPv6 Server Identifier, sent
	// in DHCPv6OptServerID on every Advertise and Reply, per RFC 8415
	// section 11.  If empty, a DUID-UUID (RFC 6355 section 4) is
	// generated and held for the life of the Server.
	ServerDUID []byte

	// Enabled is the state of the service, whether it is enabled or not.
	Enabled bool
}

// type check
var _ validate.Interface = (*Config)(nil)

// Validate implements the [validate.Interface] interface for *Config.
func (conf *Config) Validate() (err error) {
	switch {
	case conf == nil:
		return errors.ErrNoValue
	case !conf.Enabled:
		return nil
	}

	errs := []error{
		validate.NotNilInterface("NetworkDeviceManager", conf.NetworkDeviceManager),
		validate.Positive("MaxInFlight", conf.MaxInFlight),
	}

	err = netutil.ValidateDomainName(conf.LocalDomainName)
	if err != nil {
		errs = append(errs, fmt.Errorf("LocalDomainName: %w", err))
	}

	if conf.Backend == nil {
		errs = append(errs, validate.NotEmpty("DBFilePath", conf.DBFilePath))
	}

	if len(conf.Networks) == 0 {
		errs = append(errs, fmt.Errorf("Networks: %w", errors.ErrEmptyValue))
	}

	for _, n := range conf.Networks {
		errs = validate.Append(errs, "Networks."+n.Name, n)
	}

	if len(conf.Interfaces) == 0 {
		errs = append(errs, fmt.Errorf("Interfaces: %w", errNoInterfaces))

		return errors.Join(errs...)
	}

	for i, b := range conf.Interfaces {
		errs = validate.Append(errs, fmt.Sprintf("Interfaces.%d", i), &b)

		if _, ok := conf.Networks.byName(b.Network); !ok {
			errs = append(errs, fmt.Errorf("Interfaces.%d: network %q not configured", i, b.Network))
		}
	}

	return errors.Join(errs...)
}

// interfacesByDevice groups bindings by device name for deterministic
// iteration.
func interfacesByDevice(bindings []InterfaceBinding) (m map[string]InterfaceBinding) {
	m = make(map[string]InterfaceBinding, len(bindings))
	for _, b := range bindings {
		m[b.Device] = b
	}

	return m
}

// sortedDeviceNames returns the device names bound in m in sorted order.
func sortedDeviceNames(m map[string]InterfaceBinding) (names []string) {
	return slices.Sorted(maps.Keys(m))
}
