// Package collector samples SNMP targets and feeds readings into the
// write queues.
package collector

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/timegraph/timegraph/internal/errors"
)

// SNMPConfig holds the connection parameters for one target. A
// non-empty SecurityName selects SNMPv3, otherwise v2c.
type SNMPConfig struct {
	Host string
	Port uint16

	// v2c
	Community string

	// v3
	SecurityName  string
	SecurityLevel string
	AuthProtocol  string
	AuthPassword  string
	PrivProtocol  string
	PrivPassword  string

	TimeoutMs uint32
	Retries   uint32
}

func (cfg *SNMPConfig) validate() error {
	if cfg.Host == "" {
		return errors.NewInvalidInput("host", "empty")
	}
	if cfg.SecurityName == "" && cfg.Community == "" {
		return errors.NewInvalidInput("community",
			"v2c requires a community string, refusing insecure default")
	}
	return nil
}

// Poller executes SNMP GET operations against one target per call.
type Poller struct {
	defaultTimeoutMs uint32
	defaultRetries   uint32
}

// NewPoller creates a poller with fallback timing parameters.
func NewPoller(defaultTimeoutMs, defaultRetries uint32) *Poller {
	if defaultTimeoutMs == 0 {
		defaultTimeoutMs = 2000
	}
	return &Poller{defaultTimeoutMs: defaultTimeoutMs, defaultRetries: defaultRetries}
}

// Poll reads the OIDs from the target in one GET and returns the
// readings in wire text form, keyed by OID. OIDs the agent does not
// expose are omitted.
func (p *Poller) Poll(ctx context.Context, cfg *SNMPConfig, oids []string) (map[string]string, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(oids) == 0 {
		return map[string]string{}, nil
	}

	client := p.client(cfg)
	if err := client.Connect(); err != nil {
		return nil, errors.Wrapf(errors.ErrUnavailable, "snmp connect %s: %v", cfg.Host, err)
	}
	defer client.Conn.Close()

	select {
	case <-ctx.Done():
		return nil, errors.Wrap(errors.ErrUnavailable, "poll cancelled")
	default:
	}

	pdu, err := client.Get(oids)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrUnavailable, "snmp get %s: %v", cfg.Host, err)
	}

	out := make(map[string]string, len(pdu.Variables))
	for _, v := range pdu.Variables {
		raw, ok := decodeVariable(v)
		if !ok {
			continue
		}
		out[v.Name] = raw
	}
	return out, nil
}

// decodeVariable maps one SNMP variable to its wire text form.
func decodeVariable(v gosnmp.SnmpPDU) (string, bool) {
	switch v.Type {
	case gosnmp.Counter32, gosnmp.Counter64, gosnmp.Uinteger32:
		return gosnmp.ToBigInt(v.Value).String(), true
	case gosnmp.Integer:
		if i, ok := v.Value.(int); ok {
			return strconv.Itoa(i), true
		}
	case gosnmp.TimeTicks:
		if t, ok := v.Value.(uint32); ok {
			return strconv.FormatUint(uint64(t), 10), true
		}
	case gosnmp.OctetString:
		if b, ok := v.Value.([]byte); ok {
			return string(b), true
		}
	case gosnmp.Gauge32:
		return gosnmp.ToBigInt(v.Value).String(), true
	case gosnmp.OpaqueFloat:
		if f, ok := v.Value.(float32); ok {
			return strconv.FormatFloat(float64(f), 'g', -1, 64), true
		}
	case gosnmp.OpaqueDouble:
		if f, ok := v.Value.(float64); ok {
			return strconv.FormatFloat(f, 'g', -1, 64), true
		}
	}
	return "", false
}

func (p *Poller) client(cfg *SNMPConfig) *gosnmp.GoSNMP {
	port := cfg.Port
	if port == 0 {
		port = 161
	}
	timeout := cfg.TimeoutMs
	if timeout == 0 {
		timeout = p.defaultTimeoutMs
	}
	retries := cfg.Retries
	if retries == 0 {
		retries = p.defaultRetries
	}

	client := &gosnmp.GoSNMP{
		Target:  cfg.Host,
		Port:    port,
		Timeout: time.Duration(timeout) * time.Millisecond,
		Retries: int(retries),
	}

	if cfg.SecurityName != "" {
		client.Version = gosnmp.Version3
		client.SecurityModel = gosnmp.UserSecurityModel
		client.MsgFlags = msgFlags(cfg.SecurityLevel)
		client.SecurityParameters = &gosnmp.UsmSecurityParameters{
			UserName:                 cfg.SecurityName,
			AuthenticationProtocol:   authProtocol(cfg.AuthProtocol),
			AuthenticationPassphrase: cfg.AuthPassword,
			PrivacyProtocol:          privProtocol(cfg.PrivProtocol),
			PrivacyPassphrase:        cfg.PrivPassword,
		}
	} else {
		client.Version = gosnmp.Version2c
		client.Community = cfg.Community
	}
	return client
}

func msgFlags(level string) gosnmp.SnmpV3MsgFlags {
	switch level {
	case "authNoPriv":
		return gosnmp.AuthNoPriv
	case "authPriv":
		return gosnmp.AuthPriv
	default:
		return gosnmp.NoAuthNoPriv
	}
}

func authProtocol(protocol string) gosnmp.SnmpV3AuthProtocol {
	switch protocol {
	case "MD5":
		return gosnmp.MD5
	case "SHA":
		return gosnmp.SHA
	case "SHA224":
		return gosnmp.SHA224
	case "SHA256":
		return gosnmp.SHA256
	case "SHA384":
		return gosnmp.SHA384
	case "SHA512":
		return gosnmp.SHA512
	default:
		return gosnmp.NoAuth
	}
}

func privProtocol(protocol string) gosnmp.SnmpV3PrivProtocol {
	switch protocol {
	case "DES":
		return gosnmp.DES
	case "AES":
		return gosnmp.AES
	case "AES192":
		return gosnmp.AES192
	case "AES256":
		return gosnmp.AES256
	default:
		return gosnmp.NoPriv
	}
}

// String renders the target for logs.
func (cfg *SNMPConfig) String() string {
	version := "v2c"
	if cfg.SecurityName != "" {
		version = "v3"
	}
	return fmt.Sprintf("%s:%d (%s)", cfg.Host, cfg.Port, version)
}
