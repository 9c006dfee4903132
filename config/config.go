// SPDX-License-Identifier: GPL-3.0-or-later

// Package config loads the YAML configuration file.
//
// A configuration file optionally selects a legacy mode preset using
// the mode key. The preset is applied on top of the defaults, then the
// other keys of the file override it. Use [*File.EvasionConfig] to get
// the [*evasion.Config] described by the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"

	"github.com/rbmk-project/unblock/evasion"
	"gopkg.in/yaml.v3"
)

// File is the content of the configuration file.
type File struct {
	// Mode is the optional legacy mode preset.
	Mode int `yaml:"mode,omitempty"`

	HTTPFragmentSize           int  `yaml:"http_fragment_size"`
	HTTPPersistentFragmentSize int  `yaml:"http_persistent_fragment_size"`
	HTTPSFragmentSize          int  `yaml:"https_fragment_size"`
	FragmentBySNI              bool `yaml:"fragment_by_sni"`
	ReverseFragmentation       bool `yaml:"reverse_fragmentation"`

	HostMixedCase   bool `yaml:"host_mixedcase"`
	HostUppercase   bool `yaml:"host_uppercase"`
	HostRemoveSpace bool `yaml:"host_removespace"`
	AdditionalSpace bool `yaml:"additional_space"`

	FakePacket    bool `yaml:"fake_packet"`
	FakeReset     bool `yaml:"fake_reset"`
	WrongChecksum bool `yaml:"wrong_checksum"`
	WrongSequence bool `yaml:"wrong_sequence"`
	AutoTTL       bool `yaml:"auto_ttl"`
	FakeTTL       int  `yaml:"fake_ttl"`
	MinHops       int  `yaml:"min_hops"`
	AutoTTLNear   int  `yaml:"auto_ttl_near"`
	AutoTTLFar    int  `yaml:"auto_ttl_far"`
	AutoTTLMax    int  `yaml:"auto_ttl_max"`

	DNSRedirectV4 bool   `yaml:"dns_redirect_ipv4"`
	DNSServerV4   string `yaml:"dns_server_v4"`
	DNSPortV4     int    `yaml:"dns_port_v4"`
	DNSRedirectV6 bool   `yaml:"dns_redirect_ipv6"`
	DNSServerV6   string `yaml:"dns_server_v6"`
	DNSPortV6     int    `yaml:"dns_port_v6"`

	MaxPayloadSize int `yaml:"max_payload_size"`

	Hosts       []string `yaml:"hosts,omitempty"`
	HostsFile   string   `yaml:"hosts_file,omitempty"`
	Exclude     []string `yaml:"exclude,omitempty"`
	ExcludeFile string   `yaml:"exclude_file,omitempty"`
	AllowNoSNI  bool     `yaml:"allow_no_sni"`

	Queue QueueConfig `yaml:"queue"`
	Log   LogConfig   `yaml:"log"`

	// dir is the directory used to resolve relative paths.
	dir string
}

// QueueConfig contains the packet queue settings.
type QueueConfig struct {
	// Num is the NFQUEUE number.
	Num int `yaml:"num"`

	// Mark is the fwmark of the packets we inject.
	Mark uint32 `yaml:"mark"`

	// MaxLen is the kernel queue length. Zero means the default.
	MaxLen uint32 `yaml:"max_len,omitempty"`
}

// LogConfig contains the logging settings.
type LogConfig struct {
	// Level is one of debug, info, warn, and error.
	Level string `yaml:"level"`

	// Format is either text or json.
	Format string `yaml:"format"`
}

// Defaults for the values that [evasion.NewConfig] does not provide.
const (
	DefaultQueueNum  = 0
	DefaultQueueMark = 0x1b
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"
)

// Default returns the default configuration.
func Default() *File {
	cfg := evasion.NewConfig()
	return &File{
		HTTPFragmentSize:           cfg.HTTPFragmentSize,
		HTTPPersistentFragmentSize: cfg.HTTPPersistentFragmentSize,
		HTTPSFragmentSize:          cfg.HTTPSFragmentSize,
		FakeTTL:                    int(cfg.FakeTTL),
		MinHops:                    int(cfg.MinHops),
		AutoTTLNear:                int(cfg.AutoTTLNear),
		AutoTTLFar:                 int(cfg.AutoTTLFar),
		AutoTTLMax:                 int(cfg.AutoTTLMax),
		DNSServerV4:                cfg.DNSServerV4.Addr().String(),
		DNSPortV4:                  int(cfg.DNSServerV4.Port()),
		DNSServerV6:                cfg.DNSServerV6.Addr().String(),
		DNSPortV6:                  int(cfg.DNSServerV6.Port()),
		MaxPayloadSize:             cfg.MaxPayloadSize,
		Queue:                      QueueConfig{Num: DefaultQueueNum, Mark: DefaultQueueMark},
		Log:                        LogConfig{Level: DefaultLogLevel, Format: DefaultLogFormat},
	}
}

// Parse parses the YAML configuration.
func Parse(data []byte) (*File, error) {
	// Apply the preset first, to let the other keys override it.
	var preset struct {
		Mode int `yaml:"mode"`
	}
	if err := yaml.Unmarshal(data, &preset); err != nil {
		return nil, fmt.Errorf("config: parse YAML: %w", err)
	}
	f := Default()
	if preset.Mode != 0 {
		if err := ApplyPreset(f, preset.Mode); err != nil {
			return nil, err
		}
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parse YAML: %w", err)
	}
	return f, nil
}

// Load reads the YAML configuration from the given file. Relative
// host list paths are resolved against the file directory.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.dir = filepath.Dir(path)
	return f, nil
}

// Marshal serializes the configuration as YAML.
func (f *File) Marshal() ([]byte, error) {
	return yaml.Marshal(f)
}

// Validation errors.
var (
	ErrFragmentSize = errors.New("config: fragment size out of range")
	ErrTTL          = errors.New("config: TTL out of range")
	ErrDNSServer    = errors.New("config: invalid DNS server")
	ErrDNSPort      = errors.New("config: invalid DNS port")
	ErrQueue        = errors.New("config: invalid queue settings")
	ErrLog          = errors.New("config: invalid log settings")
	ErrDecoy        = errors.New("config: decoys need a disguise")
)

// maxFragmentSize is the maximum fragment size.
const maxFragmentSize = 1500

// Validate returns all the validation errors joined.
func (f *File) Validate() error {
	var errs []error
	for _, entry := range []struct {
		name  string
		value int
	}{
		{"http_fragment_size", f.HTTPFragmentSize},
		{"http_persistent_fragment_size", f.HTTPPersistentFragmentSize},
		{"https_fragment_size", f.HTTPSFragmentSize},
	} {
		if entry.value < 0 || entry.value > maxFragmentSize {
			errs = append(errs, fmt.Errorf("%w: %s: %d (max %d)", ErrFragmentSize, entry.name, entry.value, maxFragmentSize))
		}
	}

	if f.FakeTTL <= 0 || f.FakeTTL > 255 {
		errs = append(errs, fmt.Errorf("%w: fake_ttl: %d", ErrTTL, f.FakeTTL))
	}
	for _, entry := range []struct {
		name  string
		value int
	}{
		{"min_hops", f.MinHops},
		{"auto_ttl_near", f.AutoTTLNear},
		{"auto_ttl_far", f.AutoTTLFar},
		{"auto_ttl_max", f.AutoTTLMax},
	} {
		if entry.value < 0 || entry.value > 255 {
			errs = append(errs, fmt.Errorf("%w: %s: %d", ErrTTL, entry.name, entry.value))
		}
	}

	for _, entry := range []struct {
		name     string
		server   string
		port     int
		ipv6     bool
		redirect bool
	}{
		{"dns_port_v4", f.DNSServerV4, f.DNSPortV4, false, f.DNSRedirectV4},
		{"dns_port_v6", f.DNSServerV6, f.DNSPortV6, true, f.DNSRedirectV6},
	} {
		if entry.port <= 0 || entry.port > 65535 {
			errs = append(errs, fmt.Errorf("%w: %s: %d", ErrDNSPort, entry.name, entry.port))
			continue
		}
		if _, err := f.dnsServer(entry.server, entry.port, entry.ipv6); err != nil && entry.redirect {
			errs = append(errs, err)
		}
	}

	decoys := f.FakePacket || f.FakeReset
	if decoys && !f.AutoTTL && !f.WrongChecksum && !f.WrongSequence && f.FakeTTL > f.AutoTTLMax {
		errs = append(errs, fmt.Errorf(
			"%w: set auto_ttl, wrong_checksum, wrong_sequence, or fake_ttl <= auto_ttl_max (%d)",
			ErrDecoy, f.AutoTTLMax))
	}

	if f.Queue.Num < 0 || f.Queue.Num > 65535 {
		errs = append(errs, fmt.Errorf("%w: num: %d", ErrQueue, f.Queue.Num))
	}
	switch f.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("%w: level: %q", ErrLog, f.Log.Level))
	}
	switch f.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("%w: format: %q", ErrLog, f.Log.Format))
	}
	return errors.Join(errs...)
}

// dnsServer returns the resolver endpoint for the given family.
func (f *File) dnsServer(server string, port int, ipv6 bool) (netip.AddrPort, error) {
	if port <= 0 || port > 65535 {
		return netip.AddrPort{}, fmt.Errorf("%w: %d", ErrDNSPort, port)
	}
	if server == "" {
		return netip.AddrPort{}, fmt.Errorf("%w: redirection enabled but no server specified", ErrDNSServer)
	}
	addr, err := netip.ParseAddr(server)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %w", ErrDNSServer, err)
	}
	if addr.Unmap().Is4() == ipv6 {
		return netip.AddrPort{}, fmt.Errorf("%w: %s: wrong address family", ErrDNSServer, server)
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(port)), nil
}

// EvasionConfig validates the configuration, loads the host lists,
// and returns the corresponding [*evasion.Config].
func (f *File) EvasionConfig() (*evasion.Config, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	hosts, err := f.hostList(f.Hosts, f.HostsFile)
	if err != nil {
		return nil, err
	}
	exclude, err := f.hostList(f.Exclude, f.ExcludeFile)
	if err != nil {
		return nil, err
	}

	cfg := evasion.NewConfig()
	cfg.HTTPFragmentSize = f.HTTPFragmentSize
	cfg.HTTPPersistentFragmentSize = f.HTTPPersistentFragmentSize
	cfg.HTTPSFragmentSize = f.HTTPSFragmentSize
	cfg.FragmentBySNI = f.FragmentBySNI
	cfg.ReverseFragmentation = f.ReverseFragmentation
	cfg.HostMixedCase = f.HostMixedCase
	cfg.HostUppercase = f.HostUppercase
	cfg.HostRemoveSpace = f.HostRemoveSpace
	cfg.AdditionalSpace = f.AdditionalSpace
	cfg.FakePacket = f.FakePacket
	cfg.FakeReset = f.FakeReset
	cfg.WrongChecksum = f.WrongChecksum
	cfg.WrongSequence = f.WrongSequence
	cfg.AutoTTL = f.AutoTTL
	cfg.FakeTTL = uint8(f.FakeTTL)
	cfg.MinHops = uint8(f.MinHops)
	cfg.AutoTTLNear = uint8(f.AutoTTLNear)
	cfg.AutoTTLFar = uint8(f.AutoTTLFar)
	cfg.AutoTTLMax = uint8(f.AutoTTLMax)
	cfg.DNSRedirectV4 = f.DNSRedirectV4
	cfg.DNSRedirectV6 = f.DNSRedirectV6
	if server, err := f.dnsServer(f.DNSServerV4, f.DNSPortV4, false); err == nil {
		cfg.DNSServerV4 = server
	}
	if server, err := f.dnsServer(f.DNSServerV6, f.DNSPortV6, true); err == nil {
		cfg.DNSServerV6 = server
	}
	cfg.MaxPayloadSize = f.MaxPayloadSize
	cfg.Hosts = hosts
	cfg.Exclude = exclude
	cfg.AllowNoSNI = f.AllowNoSNI
	return cfg, nil
}

// hostList builds a host list from the inline names and the optional file.
func (f *File) hostList(names []string, path string) (*evasion.HostList, error) {
	list := evasion.NewHostList(names...)
	if path == "" {
		return list, nil
	}
	if !filepath.IsAbs(path) && f.dir != "" {
		path = filepath.Join(f.dir, path)
	}
	entries, err := LoadHostList(path)
	if err != nil {
		return nil, err
	}
	for _, name := range entries {
		list.Add(name)
	}
	return list, nil
}
