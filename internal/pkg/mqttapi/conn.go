package mqttapi

import (
	"crypto/tls"
	"net"
	"net/url"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
)

// touchConn records every successful read, so PINGRESP and SUBACK count as
// liveness as well as PUBLISH
type touchConn struct {
	net.Conn
	touch func()
}

func (c *touchConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.touch()
	}
	return n, err
}

// openConnection replaces paho's dialer for the schemes the cloud issues
func (l *Live) openConnection(uri *url.URL, opts pahomqtt.ClientOptions) (net.Conn, error) {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: opts.ConnectTimeout}
	}

	var conn net.Conn
	var err error

	switch uri.Scheme {
	case "tcp", "mqtt":
		conn, err = dialer.Dial("tcp", uri.Host)
	case "ssl", "tls", "mqtts", "mqtt+ssl", "tcps":
		conn, err = tls.DialWithDialer(dialer, "tcp", uri.Host, opts.TLSConfig)
	default:
		return nil, errors.Wrapf(ErrConnectionFailed, "unsupported scheme %q", uri.Scheme)
	}
	if err != nil {
		return nil, err
	}

	return &touchConn{Conn: conn, touch: l.touch}, nil
}
