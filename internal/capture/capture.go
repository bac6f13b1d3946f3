package capture

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/saviobatista/rid-tracker/internal/frame"
	"github.com/sirupsen/logrus"
)

const (
	DefaultReconnectDelay = 5 * time.Second
	dialTimeout           = 5 * time.Second
	// frameTimeout bounds how long the rest of a frame may take once its
	// header has arrived.
	frameTimeout = 2 * time.Second
)

var ErrFrameTooLarge = errors.New("declared frame length exceeds limit")

// Message represents one captured frame, header included
type Message struct {
	Source    string
	Data      []byte
	Timestamp time.Time
}

// Options configures a Capture
type Options struct {
	ReconnectDelay time.Duration
	Logger         logrus.FieldLogger
}

// Capture reads length-prefixed frames from one or more receivers
type Capture struct {
	sources        []string
	reconnectDelay time.Duration
	logger         logrus.FieldLogger
	conns          map[string]net.Conn
	msgChan        chan Message
	wg             sync.WaitGroup
	stopChan       chan struct{}
	stopOnce       sync.Once
	mu             sync.Mutex
}

// New creates a new Capture instance
func New(sources []string, opts Options) *Capture {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	return &Capture{
		sources:        sources,
		reconnectDelay: opts.ReconnectDelay,
		logger:         opts.Logger,
		conns:          make(map[string]net.Conn),
		msgChan:        make(chan Message, 1000), // Buffer size of 1000 frames
		stopChan:       make(chan struct{}),
	}
}

// Start begins reading frames from all sources
func (c *Capture) Start() error {
	if len(c.sources) == 0 {
		return fmt.Errorf("no capture sources configured")
	}
	for _, source := range c.sources {
		c.wg.Add(1)
		go c.connectToSource(source)
	}
	return nil
}

// Stop closes all connections and waits for the readers to exit
func (c *Capture) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
		c.mu.Lock()
		for _, conn := range c.conns {
			conn.Close()
		}
		c.mu.Unlock()
		c.wg.Wait()
		close(c.msgChan)
	})
}

// Messages returns the channel for receiving frames
func (c *Capture) Messages() <-chan Message {
	return c.msgChan
}

// waitReconnect sleeps for the reconnect delay. It returns false if the
// capture was stopped meanwhile.
func (c *Capture) waitReconnect() bool {
	select {
	case <-c.stopChan:
		return false
	case <-time.After(c.reconnectDelay):
		return true
	}
}

// configureTCPKeepalive configures TCP keepalive settings
func (c *Capture) configureTCPKeepalive(conn net.Conn, log logrus.FieldLogger) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			log.WithError(err).Warn("Failed to set keepalive")
		}
		if err := tcpConn.SetKeepAlivePeriod(2 * time.Second); err != nil {
			log.WithError(err).Warn("Failed to set keepalive period")
		}
		if err := tcpConn.SetNoDelay(true); err != nil {
			log.WithError(err).Warn("Failed to set no delay")
		}
	}
}

// logReconnect reports how long the source was unavailable
func (c *Capture) logReconnect(disconnectTime time.Time, log logrus.FieldLogger) {
	if disconnectTime.IsZero() {
		log.Info("Connected to receiver")
		return
	}
	duration := time.Since(disconnectTime)
	if duration < 10*time.Second {
		log.WithField("seconds", fmt.Sprintf("%.1f", duration.Seconds())).Info("Connection hiccup recovered")
	} else {
		log.WithField("minutes", fmt.Sprintf("%.1f", duration.Minutes())).Info("Connection reestablished")
	}
}

func (c *Capture) connectToSource(source string) {
	defer c.wg.Done()

	log := c.logger.WithField("source", source)
	var disconnectTime time.Time
	log.Info("Attempting to connect")

	for {
		select {
		case <-c.stopChan:
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", source, dialTimeout)
		if err != nil {
			if disconnectTime.IsZero() {
				disconnectTime = time.Now()
			}
			log.WithError(err).Debug("Connect failed")
			if !c.waitReconnect() {
				return
			}
			continue
		}

		c.configureTCPKeepalive(conn, log)
		c.logReconnect(disconnectTime, log)
		disconnectTime = time.Time{}

		c.mu.Lock()
		select {
		case <-c.stopChan:
			c.mu.Unlock()
			conn.Close()
			return
		default:
		}
		c.conns[source] = conn
		c.mu.Unlock()

		err = c.handleConnection(source, conn)

		c.mu.Lock()
		delete(c.conns, source)
		c.mu.Unlock()

		select {
		case <-c.stopChan:
			return
		default:
		}
		disconnectTime = time.Now()
		log.WithError(err).Warn("Receiver connection lost")
		if !c.waitReconnect() {
			return
		}
	}
}

// handleConnection reads frames until the connection fails
func (c *Capture) handleConnection(source string, conn net.Conn) error {
	defer conn.Close()

	for {
		data, err := ReadFrame(conn)
		if err != nil {
			return err
		}

		select {
		case c.msgChan <- Message{
			Source:    source,
			Data:      data,
			Timestamp: time.Now().UTC(),
		}:
		case <-c.stopChan:
			return nil
		}
	}
}

// ReadFrame reads one length-prefixed frame. A declared length above
// frame.MaxPayload means the stream is out of sync and ErrFrameTooLarge is
// returned so the caller can reconnect.
func ReadFrame(conn net.Conn) ([]byte, error) {
	header := make([]byte, frame.HeaderSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	h, err := frame.ParseHeader(header)
	if err != nil {
		return nil, err
	}
	if int(h.Length) > frame.MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, h.Length)
	}

	buf := make([]byte, frame.HeaderSize+int(h.Length))
	copy(buf, header)
	if err := conn.SetReadDeadline(time.Now().Add(frameTimeout)); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(conn, buf[frame.HeaderSize:]); err != nil {
		return nil, err
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return buf, nil
}
