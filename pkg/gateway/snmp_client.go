/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/carverauto/fleetradar/pkg/logger"
	"github.com/carverauto/fleetradar/pkg/models"
)

const (
	OIDSysDescr     = ".1.3.6.1.2.1.1.1.0"
	OIDSysObjectID  = ".1.3.6.1.2.1.1.2.0"
	OIDSysUpTime    = ".1.3.6.1.2.1.1.3.0"
	OIDSysName      = ".1.3.6.1.2.1.1.5.0"
	OIDEntSerialNum = ".1.3.6.1.2.1.47.1.1.1.1.11.1"

	// ipNetToMediaPhysAddress; rows are indexed by ifIndex.a.b.c.d.
	OIDIPNetToMediaPhysAddress = ".1.3.6.1.2.1.4.22.1.2"

	SNMPVersion1  = "v1"
	SNMPVersion2c = "v2c"
	SNMPVersion3  = "v3"

	defaultSNMPTimeout = 3 * time.Second
	defaultSNMPRetries = 1
)

// StationTable names the table columns walked to list associated devices.
// Rows of each column are joined on the OID suffix after the column prefix.
type StationTable struct {
	MACColumn    string `json:"mac_column"`
	SignalColumn string `json:"signal_column,omitempty"`
	IPColumn     string `json:"ip_column,omitempty"`
	// IPFromIndex derives the IP from the last four index arcs, as in the ARP table.
	IPFromIndex    bool   `json:"ip_from_index,omitempty"`
	ConnectionType string `json:"connection_type,omitempty"`
}

// SNMPConfig configures SNMP access to gateways. For v1/v2c the credential
// password is the community; for v3 the username is the USM user and the
// password is used as both auth and privacy passphrase.
type SNMPConfig struct {
	Version         string          `json:"version"`
	Timeout         models.Duration `json:"timeout"`
	Retries         int             `json:"retries"`
	AuthProtocol    string          `json:"auth_protocol,omitempty"`
	PrivacyProtocol string          `json:"privacy_protocol,omitempty"`
	StationTable    StationTable    `json:"station_table"`
}

// Validate fills defaults.
func (c *SNMPConfig) Validate() error {
	if c.Version == "" {
		c.Version = SNMPVersion2c
	}

	switch c.Version {
	case SNMPVersion1, SNMPVersion2c, SNMPVersion3:
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedSNMPVersion, c.Version)
	}

	if c.Timeout <= 0 {
		c.Timeout = models.Duration(defaultSNMPTimeout)
	}

	if c.Retries < 0 {
		c.Retries = defaultSNMPRetries
	}

	if c.StationTable.MACColumn == "" {
		c.StationTable = StationTable{
			MACColumn:      OIDIPNetToMediaPhysAddress,
			IPFromIndex:    true,
			ConnectionType: "arp",
		}
	}

	return nil
}

// SNMPClient implements Client over SNMP.
type SNMPClient struct {
	config SNMPConfig
	logger logger.Logger
}

var _ Client = (*SNMPClient)(nil)

// NewSNMPClient returns a client using cfg. cfg must already be validated.
func NewSNMPClient(cfg SNMPConfig, log logger.Logger) *SNMPClient {
	return &SNMPClient{config: cfg, logger: log}
}

// NewSession builds a gosnmp session for target. It does not connect.
func NewSession(ctx context.Context, target string, port int, cfg *SNMPConfig, cred models.Credential) (*gosnmp.GoSNMP, error) {
	if port == 0 {
		port = models.DefaultGatewayPort
	}

	client := &gosnmp.GoSNMP{
		Context:            ctx,
		Target:             target,
		Port:               uint16(port), //nolint:gosec // validated to 1-65535 by the registry
		Timeout:            time.Duration(cfg.Timeout),
		Retries:            cfg.Retries,
		MaxOids:            gosnmp.MaxOids,
		MaxRepetitions:     10,
		ExponentialTimeout: true,
	}

	switch cfg.Version {
	case SNMPVersion1:
		client.Version = gosnmp.Version1
		client.Community = communityOf(cred)
	case SNMPVersion2c, "":
		client.Version = gosnmp.Version2c
		client.Community = communityOf(cred)
	case SNMPVersion3:
		client.Version = gosnmp.Version3
		client.SecurityModel = gosnmp.UserSecurityModel
		client.MsgFlags = gosnmp.AuthPriv
		client.SecurityParameters = usmParameters(cfg, cred)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSNMPVersion, cfg.Version)
	}

	return client, nil
}

func communityOf(cred models.Credential) string {
	if cred.Password != "" {
		return cred.Password
	}

	return "public"
}

func usmParameters(cfg *SNMPConfig, cred models.Credential) *gosnmp.UsmSecurityParameters {
	usm := &gosnmp.UsmSecurityParameters{
		UserName:                 cred.Username,
		AuthenticationPassphrase: cred.Password,
		PrivacyPassphrase:        cred.Password,
	}

	switch strings.ToUpper(cfg.AuthProtocol) {
	case "MD5":
		usm.AuthenticationProtocol = gosnmp.MD5
	case "SHA224":
		usm.AuthenticationProtocol = gosnmp.SHA224
	case "SHA256":
		usm.AuthenticationProtocol = gosnmp.SHA256
	case "SHA384":
		usm.AuthenticationProtocol = gosnmp.SHA384
	case "SHA512":
		usm.AuthenticationProtocol = gosnmp.SHA512
	default:
		usm.AuthenticationProtocol = gosnmp.SHA
	}

	switch strings.ToUpper(cfg.PrivacyProtocol) {
	case "DES":
		usm.PrivacyProtocol = gosnmp.DES
	case "AES192":
		usm.PrivacyProtocol = gosnmp.AES192
	case "AES256":
		usm.PrivacyProtocol = gosnmp.AES256
	default:
		usm.PrivacyProtocol = gosnmp.AES
	}

	return usm
}

// Probe issues a GET for sysUpTime and the entity serial number.
func (c *SNMPClient) Probe(ctx context.Context, desc *models.GatewayDescriptor, cred models.Credential) (ProbeResult, error) {
	start := time.Now()

	session, err := c.connect(ctx, desc, cred)
	if err != nil {
		return ProbeResult{}, err
	}
	defer closeSession(session)

	pkt, err := session.Get([]string{OIDSysUpTime, OIDSysDescr, OIDEntSerialNum})
	if err != nil {
		return ProbeResult{}, mapSNMPError(ctx, err)
	}

	if pkt.Error != gosnmp.NoError {
		return ProbeResult{}, snmpStatusError(pkt.Error)
	}

	result := ProbeResult{Latency: time.Since(start)}

	for _, v := range pkt.Variables {
		switch v.Name {
		case OIDSysUpTime:
			if ticks := gosnmp.ToBigInt(v.Value); ticks != nil {
				result.Uptime = time.Duration(ticks.Int64()) * 10 * time.Millisecond
			}
		case OIDSysDescr:
			result.Firmware = pduString(v)
		case OIDEntSerialNum:
			result.Serial = pduString(v)
		}
	}

	return result, nil
}

// ListDevices walks the configured station table.
func (c *SNMPClient) ListDevices(ctx context.Context, desc *models.GatewayDescriptor, cred models.Credential) ([]models.DeviceSnapshot, error) {
	table := c.config.StationTable
	if table.MACColumn == "" {
		return nil, errNoStationTable
	}

	session, err := c.connect(ctx, desc, cred)
	if err != nil {
		return nil, err
	}
	defer closeSession(session)

	macs, err := walkColumn(ctx, session, table.MACColumn)
	if err != nil {
		return nil, err
	}

	signals := map[string]gosnmp.SnmpPDU{}
	if table.SignalColumn != "" {
		if signals, err = walkColumn(ctx, session, table.SignalColumn); err != nil {
			return nil, err
		}
	}

	ips := map[string]gosnmp.SnmpPDU{}
	if table.IPColumn != "" {
		if ips, err = walkColumn(ctx, session, table.IPColumn); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	out := make([]models.DeviceSnapshot, 0, len(macs))

	for index, pdu := range macs {
		raw, ok := pdu.Value.([]byte)
		if !ok || len(raw) != 6 {
			c.logger.Debug().
				Str("gateway_id", desc.ID).
				Str("index", index).
				Msg("Skipping station row without a 6-byte address")

			continue
		}

		snap := models.DeviceSnapshot{
			MAC:            strings.ToUpper(net.HardwareAddr(raw).String()),
			ConnectionType: table.ConnectionType,
			ObservedAt:     now,
		}

		if sig, ok := signals[index]; ok {
			if v := gosnmp.ToBigInt(sig.Value); v != nil {
				snap.SignalStrength = int(v.Int64())
			}
		}

		if ip, ok := ips[index]; ok {
			snap.IP = pduString(ip)
		} else if table.IPFromIndex {
			snap.IP = ipFromIndex(index)
		}

		out = append(out, snap)
	}

	return out, nil
}

// Identity is the system group of an SNMP agent, used by discovery.
type Identity struct {
	Address     string
	SysName     string
	SysObjectID string
	SysDescr    string
	Serial      string
}

// Identify reads the system group of host. The serial is optional; agents
// without the entity MIB answer noSuchObject for it.
func (c *SNMPClient) Identify(ctx context.Context, host string, port int, cred models.Credential) (Identity, error) {
	session, err := c.connect(ctx, &models.GatewayDescriptor{Hostname: host, Port: port}, cred)
	if err != nil {
		return Identity{}, err
	}
	defer closeSession(session)

	pkt, err := session.Get([]string{OIDSysName, OIDSysObjectID, OIDSysDescr, OIDEntSerialNum})
	if err != nil {
		return Identity{}, mapSNMPError(ctx, err)
	}

	if pkt.Error != gosnmp.NoError {
		return Identity{}, snmpStatusError(pkt.Error)
	}

	id := Identity{Address: host}

	for _, v := range pkt.Variables {
		if v.Type == gosnmp.NoSuchObject || v.Type == gosnmp.NoSuchInstance {
			continue
		}

		switch v.Name {
		case OIDSysName:
			id.SysName = pduString(v)
		case OIDSysObjectID:
			id.SysObjectID = pduString(v)
		case OIDSysDescr:
			id.SysDescr = pduString(v)
		case OIDEntSerialNum:
			id.Serial = pduString(v)
		}
	}

	return id, nil
}

func (c *SNMPClient) connect(ctx context.Context, desc *models.GatewayDescriptor, cred models.Credential) (*gosnmp.GoSNMP, error) {
	session, err := NewSession(ctx, desc.Hostname, desc.Port, &c.config, cred)
	if err != nil {
		return nil, err
	}

	if err := session.Connect(); err != nil {
		return nil, mapSNMPError(ctx, err)
	}

	return session, nil
}

func closeSession(session *gosnmp.GoSNMP) {
	if session.Conn != nil {
		_ = session.Conn.Close()
	}
}

// walkColumn returns the column's PDUs keyed by the index suffix.
func walkColumn(ctx context.Context, session *gosnmp.GoSNMP, column string) (map[string]gosnmp.SnmpPDU, error) {
	var (
		pdus []gosnmp.SnmpPDU
		err  error
	)

	if session.Version == gosnmp.Version1 {
		pdus, err = session.WalkAll(column)
	} else {
		pdus, err = session.BulkWalkAll(column)
	}

	if err != nil {
		return nil, mapSNMPError(ctx, err)
	}

	prefix := strings.TrimSuffix(column, ".") + "."
	rows := make(map[string]gosnmp.SnmpPDU, len(pdus))

	for _, pdu := range pdus {
		if index, ok := strings.CutPrefix(pdu.Name, prefix); ok {
			rows[index] = pdu
		}
	}

	return rows, nil
}

func ipFromIndex(index string) string {
	parts := strings.Split(index, ".")
	if len(parts) < 4 {
		return ""
	}

	ip := net.ParseIP(strings.Join(parts[len(parts)-4:], "."))
	if ip == nil {
		return ""
	}

	return ip.String()
}

func pduString(pdu gosnmp.SnmpPDU) string {
	switch v := pdu.Value.(type) {
	case []byte:
		return strings.TrimSpace(string(v))
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func snmpStatusError(status gosnmp.SNMPError) error {
	switch status {
	case gosnmp.AuthorizationError, gosnmp.NoAccess:
		return fmt.Errorf("%w: snmp status %v", ErrAuthenticationFailed, status)
	default:
		return fmt.Errorf("%w: snmp status %v", ErrProtocolError, status)
	}
}

// mapSNMPError wraps gosnmp failures with the gateway error taxonomy.
func mapSNMPError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}

	msg := strings.ToLower(err.Error())

	switch {
	case errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%w: %w", ErrNetworkUnreachable, err)
	case strings.Contains(msg, "connection refused"):
		return fmt.Errorf("%w: %w", ErrConnectionRefused, err)
	case strings.Contains(msg, "authentication"),
		strings.Contains(msg, "not authentic"),
		strings.Contains(msg, "unknown user"),
		strings.Contains(msg, "wrong digest"),
		strings.Contains(msg, "decryption error"):
		return fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "no route"),
		strings.Contains(msg, "unreachable"):
		return fmt.Errorf("%w: %w", ErrNetworkUnreachable, err)
	default:
		return fmt.Errorf("%w: %w", ErrProtocolError, err)
	}
}
