package fi

import (
	"fmt"

	"github.com/rocketbitz/efa-transport/internal/capi"
	"github.com/rocketbitz/efa-transport/provider"
)

// Version re-exports capi.Version.
type Version = capi.Version

// RuntimeVersion reports the linked libfabric version.
func RuntimeVersion() Version {
	return capi.RuntimeVersion()
}

// DefaultAPIVersion is the interface version requested from fi_getinfo.
var DefaultAPIVersion = Version{Major: 1, Minor: 14}

const (
	// DefaultProvider is the libfabric provider used for EFA devices.
	DefaultProvider = "efa"
	// DefaultDomainSuffix selects the RDM domain of an EFA device.
	DefaultDomainSuffix = "-rdm"
)

// MRModeVirtAddr reports that remote addresses are virtual addresses rather
// than offsets into the registered region.
const MRModeVirtAddr = capi.MRModeVirtAddr

// Option adjusts discovery behavior.
type Option func(*config)

type config struct {
	version      Version
	provider     string
	domainSuffix string
	caps         uint64
	mode         uint64
	mrMode       uint64
}

func defaultConfig() config {
	return config{
		version:      DefaultAPIVersion,
		provider:     DefaultProvider,
		domainSuffix: DefaultDomainSuffix,
		caps:         capi.CapMsg | capi.CapRMA | capi.CapRead | capi.CapWrite | capi.CapRemoteRead | capi.CapRemoteWrite,
		mode:         capi.ModeContext,
		mrMode:       capi.MRModeLocal | capi.MRModeVirtAddr | capi.MRModeAllocated | capi.MRModeProvKey,
	}
}

// WithProvider selects the libfabric provider, e.g. "tcp" for development.
func WithProvider(name string) Option {
	return func(cfg *config) {
		cfg.provider = name
	}
}

// WithDomainSuffix sets the suffix appended to the device name to form the
// domain hint. An empty device name leaves the domain unconstrained.
func WithDomainSuffix(suffix string) Option {
	return func(cfg *config) {
		cfg.domainSuffix = suffix
	}
}

// WithAPIVersion overrides the requested interface version.
func WithAPIVersion(v Version) Option {
	return func(cfg *config) {
		cfg.version = v
	}
}

// WithMRMode overrides the memory registration modes advertised in hints.
func WithMRMode(mode uint64) Option {
	return func(cfg *config) {
		cfg.mrMode = mode
	}
}

// Provider discovers libfabric devices.
type Provider struct {
	cfg config
}

var _ provider.Provider = (*Provider)(nil)

// NewProvider returns a libfabric-backed provider.
func NewProvider(opts ...Option) *Provider {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &Provider{cfg: cfg}
}

// Name returns the libfabric provider name requested in hints.
func (p *Provider) Name() string {
	return p.cfg.provider
}

func (p *Provider) hints(device string) *capi.Info {
	hints := capi.AllocInfo()
	hints.SetCaps(p.cfg.caps)
	hints.SetMode(p.cfg.mode)
	hints.SetEndpointType(capi.EndpointTypeRDM)
	hints.SetMRMode(p.cfg.mrMode)
	hints.SetProvider(p.cfg.provider)
	if device != "" {
		hints.SetDomainName(device + p.cfg.domainSuffix)
	}
	return hints
}

// Discover resolves the RDM descriptor for device. The first matching entry
// is used.
func (p *Provider) Discover(device string) (provider.Info, error) {
	if err := capi.RequireRuntime(p.cfg.version); err != nil {
		return nil, fmt.Errorf("discover %q: %w", device, err)
	}
	hints := p.hints(device)
	defer hints.Free()

	list, err := capi.GetInfo(p.cfg.version, 0, hints)
	if err != nil {
		return nil, fmt.Errorf("discover %q: %w", device, err)
	}
	entries := list.Entries()
	if len(entries) == 0 {
		list.Free()
		return nil, fmt.Errorf("discover %q: %w", device, ErrNoDescriptor)
	}
	return &Info{list: list, entry: entries[0]}, nil
}

// Info owns the fi_info list returned by discovery.
type Info struct {
	list  *capi.Info
	entry capi.InfoEntry
}

func (i *Info) valid() bool {
	return i != nil && i.list != nil && i.entry.Valid()
}

// ProviderName returns the provider that matched.
func (i *Info) ProviderName() string {
	if !i.valid() {
		return ""
	}
	return i.entry.ProviderName()
}

// DomainName returns the matched domain name.
func (i *Info) DomainName() string {
	if !i.valid() {
		return ""
	}
	return i.entry.DomainName()
}

// SourceAddr returns the descriptor's source address.
func (i *Info) SourceAddr() []byte {
	if !i.valid() {
		return nil
	}
	return i.entry.SourceAddr()
}

// MRMode reports the memory registration modes the domain requires.
func (i *Info) MRMode() uint64 {
	if !i.valid() {
		return 0
	}
	return i.entry.MRMode()
}

// OpenFabric opens the fabric for the descriptor.
func (i *Info) OpenFabric() (provider.Fabric, error) {
	if !i.valid() {
		return nil, ErrInvalidHandle{"info"}
	}
	handle, err := capi.OpenFabric(i.entry)
	if err != nil {
		return nil, err
	}
	return &Fabric{handle: handle}, nil
}

// Close frees the descriptor list. It is safe to call more than once.
func (i *Info) Close() error {
	if i == nil || i.list == nil {
		return nil
	}
	i.list.Free()
	i.list = nil
	return nil
}

func infoEntry(info provider.Info) (capi.InfoEntry, error) {
	v, ok := info.(*Info)
	if !ok {
		return capi.InfoEntry{}, ErrForeignHandle
	}
	if !v.valid() {
		return capi.InfoEntry{}, ErrInvalidHandle{"info"}
	}
	return v.entry, nil
}
