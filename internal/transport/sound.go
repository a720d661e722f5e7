package transport

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wavenet-mesh/wavenet/internal/protocol"
)

// Modem is the acoustic link layer: it turns text into audio frames and
// back. A Modem is opened for a (local MAC, destination MAC) pair; listening
// modems are opened with an empty destination.
type Modem interface {
	Send(text string, timeout time.Duration) error
	// Listen waits up to initTimeout for a transmission to start and up to
	// timeout for it to finish.
	Listen(timeout, initTimeout time.Duration) (string, error)
}

// ModemFactory opens a Modem on the physical device.
type ModemFactory func(mac, dest string) Modem

// Device is the audio hardware shared by every Sound transport in the
// process. Only one send or listen may use it at a time.
type Device struct {
	mu   sync.Mutex
	open ModemFactory
}

func NewDevice(open ModemFactory) *Device {
	return &Device{open: open}
}

func (d *Device) send(mac, dest, text string, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open(mac, dest).Send(text, timeout)
}

func (d *Device) listen(mac string, timeout, initTimeout time.Duration) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open(mac, "").Listen(timeout, initTimeout)
}

// SoundConfig holds the acoustic timeouts. Zero values select the defaults.
type SoundConfig struct {
	SendTimeout   time.Duration // default 3m
	ListenTimeout time.Duration // default 3m
	InitTimeout   time.Duration // default 5s
	RetryDelay    time.Duration // pause after a failed listen; default 1s
}

func (c *SoundConfig) fill() {
	if c.SendTimeout == 0 {
		c.SendTimeout = 3 * time.Minute
	}
	if c.ListenTimeout == 0 {
		c.ListenTimeout = 3 * time.Minute
	}
	if c.InitTimeout == 0 {
		c.InitTimeout = 5 * time.Second
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = time.Second
	}
}

// SoundTransport sends envelopes as audio. Descriptors are MAC addresses.
type SoundTransport struct {
	mac  string
	dev  *Device
	cfg  SoundConfig
	opts options

	mu    sync.Mutex
	stop  chan struct{}
	done  chan struct{}
	sends sync.WaitGroup
}

// NewSound creates an acoustic transport for mac on dev.
func NewSound(mac string, dev *Device, cfg SoundConfig, opts ...Option) (*SoundTransport, error) {
	if dev == nil {
		return nil, ErrNeedsDevice
	}
	if mac == "" {
		return nil, errors.New("transport: sound protocol needs a MAC address")
	}
	cfg.fill()
	return &SoundTransport{mac: mac, dev: dev, cfg: cfg, opts: buildOptions(Sound, opts)}, nil
}

func (t *SoundTransport) Type() Type { return Sound }

func (t *SoundTransport) Public() (string, error) { return t.mac, nil }

// Send transmits in the background; the device may be busy for minutes.
func (t *SoundTransport) Send(data []byte, dest string) error {
	text := string(data)
	t.sends.Add(1)
	go func() {
		defer t.sends.Done()
		if err := t.dev.send(t.mac, dest, text, t.cfg.SendTimeout); err != nil {
			t.opts.log.Warn("acoustic send failed", zap.String("dest", dest), zap.Error(err))
		}
	}()
	return nil
}

func (t *SoundTransport) Listen(h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		return ErrListening
	}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.listenLoop(h, t.stop, t.done)
	return nil
}

// Kill waits for the current listen and any in-flight sends to finish.
func (t *SoundTransport) Kill() error {
	t.mu.Lock()
	stop, done := t.stop, t.done
	t.stop, t.done = nil, nil
	t.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	t.sends.Wait()
	return nil
}

func (t *SoundTransport) listenLoop(h Handler, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}
		text, err := t.dev.listen(t.mac, t.cfg.ListenTimeout, t.cfg.InitTimeout)
		if err != nil {
			t.opts.log.Debug("acoustic listen retry", zap.Error(err))
			select {
			case <-stop:
				return
			case <-time.After(t.cfg.RetryDelay):
			}
			continue
		}
		h(protocol.Reconstruct([]byte(text)))
	}
}
