package telemetry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/labstack/gommon/log"
	"golang.org/x/time/rate"
)

// DefaultDeviceTimeout bounds every read from a device.
const DefaultDeviceTimeout = time.Second

// replyTerminator ends every device reply (the command prompt).
const replyTerminator = "> "

// maxStaleReplies bounds how many replies to earlier commands GetParam skips
// before giving up on the connection.
const maxStaleReplies = 4

// DeviceConfig tunes the device protocol client.
type DeviceConfig struct {
	Timeout time.Duration
	// Rate limits commands per second; 0 means unlimited.
	Rate float64
}

// Device is a request/response client for laser controllers that speak the
// "(param-disp '<query>)" command protocol over TCP.
type Device struct {
	mu        sync.Mutex
	endpoint  string
	conn      net.Conn
	timeout   time.Duration
	limiter   *rate.Limiter
	connected bool
	// pending holds bytes read past the last prompt.
	pending []byte
	log     *log.Logger
}

// DialDevice connects to endpoint ("host:port") and discards the welcome
// banner.
func DialDevice(ctx context.Context, endpoint string, cfg DeviceConfig, logger *log.Logger) (*Device, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultDeviceTimeout
	}
	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial device %s: %w", endpoint, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	d := &Device{
		endpoint:  endpoint,
		conn:      conn,
		timeout:   cfg.Timeout,
		connected: true,
		log:       loggerOr(logger),
	}
	if cfg.Rate > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), 1)
	}

	if _, err := d.readReply(); err != nil {
		if !isTimeout(err) {
			conn.Close()
			return nil, fmt.Errorf("device %s: %w", endpoint, err)
		}
		d.log.Debugf("device %s: no welcome banner: %v", endpoint, err)
	}
	return d, nil
}

func (d *Device) Endpoint() string { return d.endpoint }

func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// GetParam queries a single parameter such as "laser1:dl:cc:current-act"
// and returns its value as text. Any failure, including a timeout, yields
// the empty string. A timeout or an I/O error drops the connection, since a
// late reply would otherwise be taken as the answer to the next command.
func (d *Device) GetParam(ctx context.Context, query string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return ""
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return ""
		}
	}
	if err := d.send(fmt.Sprintf("(param-disp '%s)", query)); err != nil {
		d.log.Warnf("device %s: %v", d.endpoint, err)
		d.drop()
		return ""
	}
	for range maxStaleReplies + 1 {
		reply, err := d.readReply()
		if err != nil {
			d.log.Warnf("device %s: %s: %v", d.endpoint, query, err)
			d.drop()
			return ""
		}
		name, value, ok := splitParamReply(reply)
		if ok && name != query {
			d.log.Debugf("device %s: skipping reply to %s", d.endpoint, name)
			continue
		}
		return value
	}
	d.log.Warnf("device %s: %s: no matching reply", d.endpoint, query)
	d.drop()
	return ""
}

// Close disconnects from the device.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return nil
	}
	d.connected = false
	return d.conn.Close()
}

// drop closes the connection; callers hold d.mu.
func (d *Device) drop() {
	if d.connected {
		d.connected = false
		d.conn.Close()
	}
	d.pending = nil
}

func (d *Device) send(cmd string) error {
	d.conn.SetWriteDeadline(time.Now().Add(d.timeout))
	_, err := d.conn.Write([]byte(cmd + "\r\n"))
	return err
}

// readReply returns the next reply up to and including the prompt. Each read
// is bounded by the device timeout. Bytes after the prompt are kept for the
// next call.
func (d *Device) readReply() (string, error) {
	buf := make([]byte, 1024)
	for {
		if i := bytes.Index(d.pending, []byte(replyTerminator)); i >= 0 {
			end := i + len(replyTerminator)
			reply := strings.ToValidUTF8(string(d.pending[:end]), "")
			d.pending = append([]byte(nil), d.pending[end:]...)
			return reply, nil
		}
		d.conn.SetReadDeadline(time.Now().Add(d.timeout))
		n, err := d.conn.Read(buf)
		d.pending = append(d.pending, buf[:n]...)
		if err != nil {
			return "", err
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// splitParamReply splits "laser1:dl:cc:current-act = 120.5" into the
// parameter name and its value. ok is false for error replies.
func splitParamReply(reply string) (name, value string, ok bool) {
	line, _, _ := strings.Cut(reply, "\n")
	parts := strings.Split(line, " = ")
	if len(parts) < 2 {
		return "", "", false
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), true
}

// DeviceKey names the samples of a polled device query.
func DeviceKey(endpoint, query string) string {
	return endpoint + "/" + query
}
