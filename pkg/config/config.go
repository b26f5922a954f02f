// Package config loads the tunables spec §6 exposes from an INI file,
// defaults pre-filled then overlaid from its [bacnet] section. Grounded on
// pkg/od/parser_v1.go's ini.Load(file) + section.Key(...) EDS-parsing
// pattern, repurposed here from object-dictionary entries to BACnet stack
// settings: one [bacnet] section instead of one section per object index.
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/hlv-io/bacstack/pkg/apdu/services"
	"github.com/hlv-io/bacstack/pkg/ssm"
	"gopkg.in/ini.v1"
)

// Config holds every option spec §6 names, in the units callers want them
// in (durations, not raw milliseconds).
type Config struct {
	LocalAddress                 net.UDPAddr
	BBMDAddress                  *net.UDPAddr
	BBMDTTL                      time.Duration
	APDUTimeout                  time.Duration
	APDUSegmentTimeout           time.Duration
	NumberOfAPDURetries          int
	SegmentationSupported        string
	MaxSegmentsAccepted          int
	MaxApduLengthAccepted        int
	ApplicationTimeout           time.Duration
	ForeignDeviceRegistrationTTL time.Duration
}

// Default mirrors the constants spec §6 lists as defaults.
func Default() Config {
	return Config{
		LocalAddress:                 net.UDPAddr{IP: net.IPv4zero, Port: 47808},
		APDUTimeout:                  3000 * time.Millisecond,
		APDUSegmentTimeout:           1500 * time.Millisecond,
		NumberOfAPDURetries:          3,
		SegmentationSupported:        "noSegmentation",
		MaxSegmentsAccepted:          8,
		MaxApduLengthAccepted:        1024,
		ApplicationTimeout:           3000 * time.Millisecond,
		ForeignDeviceRegistrationTTL: 60 * time.Second,
	}
}

// Load reads file as an INI document, overlaying Default() with whatever
// the [bacnet] section provides. An absent field keeps its default; an
// empty file path is not an error — Default() alone is returned — but a
// named file that cannot be loaded is.
func Load(file string) (Config, error) {
	cfg := Default()
	if file == "" {
		return cfg, nil
	}
	doc, err := ini.Load(file)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	section := doc.Section("bacnet")

	if k, err := section.GetKey("local_address"); err == nil {
		addr, err := net.ResolveUDPAddr("udp4", k.String())
		if err != nil {
			return Config{}, fmt.Errorf("config: local_address: %w", err)
		}
		cfg.LocalAddress = *addr
	}
	if k, err := section.GetKey("bbmd_address"); err == nil {
		addr, err := net.ResolveUDPAddr("udp4", k.String())
		if err != nil {
			return Config{}, fmt.Errorf("config: bbmd_address: %w", err)
		}
		cfg.BBMDAddress = addr
	}
	if k, err := section.GetKey("bbmd_ttl"); err == nil {
		secs, err := k.Int()
		if err != nil {
			return Config{}, fmt.Errorf("config: bbmd_ttl: %w", err)
		}
		cfg.BBMDTTL = time.Duration(secs) * time.Second
	}
	if ms, ok, err := getMillis(section, "apdu_timeout_ms"); err != nil {
		return Config{}, err
	} else if ok {
		cfg.APDUTimeout = ms
	}
	if ms, ok, err := getMillis(section, "apdu_segment_timeout_ms"); err != nil {
		return Config{}, err
	} else if ok {
		cfg.APDUSegmentTimeout = ms
	}
	if k, err := section.GetKey("number_of_apdu_retries"); err == nil {
		n, err := k.Int()
		if err != nil {
			return Config{}, fmt.Errorf("config: number_of_apdu_retries: %w", err)
		}
		cfg.NumberOfAPDURetries = n
	}
	if k, err := section.GetKey("segmentation_supported"); err == nil {
		cfg.SegmentationSupported = k.String()
	}
	if k, err := section.GetKey("max_segments_accepted"); err == nil {
		n, err := k.Int()
		if err != nil {
			return Config{}, fmt.Errorf("config: max_segments_accepted: %w", err)
		}
		cfg.MaxSegmentsAccepted = n
	}
	if k, err := section.GetKey("max_apdu_length_accepted"); err == nil {
		n, err := k.Int()
		if err != nil {
			return Config{}, fmt.Errorf("config: max_apdu_length_accepted: %w", err)
		}
		cfg.MaxApduLengthAccepted = n
	}
	if ms, ok, err := getMillis(section, "application_timeout_ms"); err != nil {
		return Config{}, err
	} else if ok {
		cfg.ApplicationTimeout = ms
	}
	if k, err := section.GetKey("foreign_device_registration_ttl"); err == nil {
		secs, err := k.Int()
		if err != nil {
			return Config{}, fmt.Errorf("config: foreign_device_registration_ttl: %w", err)
		}
		cfg.ForeignDeviceRegistrationTTL = time.Duration(secs) * time.Second
	}
	return cfg, nil
}

func getMillis(section *ini.Section, key string) (time.Duration, bool, error) {
	k, err := section.GetKey(key)
	if err != nil {
		return 0, false, nil
	}
	ms, err := strconv.Atoi(k.String())
	if err != nil {
		return 0, false, fmt.Errorf("config: %s: %w", key, err)
	}
	return time.Duration(ms) * time.Millisecond, true, nil
}

// SSMConfig translates the shared apdu/segmentation tunables into
// ssm.Config (MaxRetries from NumberOfAPDURetries), leaving the segment
// retry and window defaults (not named in spec §6) at ssm.DefaultConfig()'s
// values.
func (c Config) SSMConfig() ssm.Config {
	d := ssm.DefaultConfig()
	d.LocalMaxApdu = c.MaxApduLengthAccepted
	d.LocalMaxSegmentsAccepted = c.MaxSegmentsAccepted
	d.LocalSegmentationSupported = parseSegmentation(c.SegmentationSupported)
	d.RetryTimeout = c.APDUTimeout
	d.SegmentTimeout = c.APDUSegmentTimeout
	d.ApplicationTimeout = c.ApplicationTimeout
	d.MaxRetries = c.NumberOfAPDURetries
	return d
}

// parseSegmentation maps the [bacnet] section's segmentation_supported
// string onto the wire enum spec §4.5 uses for the capability itself.
// An unrecognized value is treated the same as "noSegmentation" rather
// than rejected here — Load already accepts any string for the key.
func parseSegmentation(s string) services.Segmentation {
	switch s {
	case "segmentedBoth":
		return services.SegmentationBoth
	case "segmentedTransmit":
		return services.SegmentationTransmit
	case "segmentedReceive":
		return services.SegmentationReceive
	default:
		return services.SegmentationNone
	}
}
