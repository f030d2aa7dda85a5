package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/google/gousb"
)

// IfaceClassPrinter is the USB printer interface class
// Reference: http://www.usb.org/developers/defined_class
const IfaceClassPrinter = 0x07

// EventType represents device lifecycle events
type EventType int

const (
	// EventClaim fires after the printer interface has been claimed
	EventClaim EventType = iota
	// EventRelease fires exactly once per Connect, on every exit path,
	// after everything acquired by that Connect has been released
	EventRelease
)

// Event represents a device event
type Event struct {
	Type   EventType
	Target USBTarget
	Error  error
}

// USBTarget addresses a USB printer.
// Serial, when set, picks the device by serial number and wins over the
// IDs. Interface < 0 selects the first interface with the printer class.
type USBTarget struct {
	VendorID  uint16
	ProductID uint16
	Serial    string
	Interface int
}

func (t USBTarget) String() string {
	if t.Serial != "" {
		return fmt.Sprintf("%04x:%04x/%s", t.VendorID, t.ProductID, t.Serial)
	}
	return fmt.Sprintf("%04x:%04x", t.VendorID, t.ProductID)
}

// usbHost, usbDevice and usbClaim are the slices of gousb the connector
// needs. They let claim/release accounting run without hardware.
type usbHost interface {
	OpenDevice(target USBTarget) (usbDevice, error)
	Close() error
}

type usbDevice interface {
	Claim(iface int) (usbClaim, error)
	Close() error
}

type usbClaim interface {
	// Write performs one synchronous bulk OUT transfer
	Write(p []byte) (int, error)
	Release()
}

// USBConnector claims a USB printer interface and streams bulk transfers
// to its OUT endpoint
type USBConnector struct {
	target         USBTarget
	newHost        func() usbHost
	eventListeners map[EventType][]func(Event)
	listenersMutex sync.RWMutex
}

// NewUSBConnector creates a connector for the given target
func NewUSBConnector(target USBTarget) *USBConnector {
	return &USBConnector{
		target:         target,
		newHost:        newGousbHost,
		eventListeners: make(map[EventType][]func(Event)),
	}
}

// On adds an event listener. Listeners run synchronously on the goroutine
// that triggers the event.
func (c *USBConnector) On(eventType EventType, handler func(Event)) {
	c.listenersMutex.Lock()
	defer c.listenersMutex.Unlock()

	c.eventListeners[eventType] = append(c.eventListeners[eventType], handler)
}

// OnRelease registers a callback for EventRelease
func (c *USBConnector) OnRelease(fn func(err error)) {
	c.On(EventRelease, func(e Event) { fn(e.Error) })
}

func (c *USBConnector) emit(event Event) {
	c.listenersMutex.RLock()
	defer c.listenersMutex.RUnlock()

	for _, handler := range c.eventListeners[event.Type] {
		handler(event)
	}
}

// Connect opens the device and claims the interface exclusively.
// Everything acquired is released before a failure is returned.
func (c *USBConnector) Connect(ctx context.Context) (Transport, error) {
	if err := ctx.Err(); err != nil {
		c.emit(Event{Type: EventRelease, Target: c.target, Error: err})
		return nil, err
	}

	host := c.newHost()

	dev, err := host.OpenDevice(c.target)
	if err != nil {
		host.Close()
		err = fmt.Errorf("failed to open device %s: %w", c.target, err)
		c.emit(Event{Type: EventRelease, Target: c.target, Error: err})
		return nil, err
	}

	claim, err := dev.Claim(c.target.Interface)
	if err != nil {
		dev.Close()
		host.Close()
		c.emit(Event{Type: EventRelease, Target: c.target, Error: err})
		return nil, err
	}

	c.emit(Event{Type: EventClaim, Target: c.target})

	return &usbTransport{
		connector: c,
		host:      host,
		dev:       dev,
		claim:     claim,
	}, nil
}

// Kind returns KindUSB
func (c *USBConnector) Kind() Kind {
	return KindUSB
}

func (c *USBConnector) String() string {
	return "usb://" + c.target.String()
}

type usbTransport struct {
	connector *USBConnector
	host      usbHost
	dev       usbDevice
	claim     usbClaim
	closeOnce sync.Once
	closeErr  error
}

func (t *usbTransport) Write(p []byte) (int, error) {
	n, err := t.claim.Write(p)
	if err != nil {
		return n, fmt.Errorf("bulk transfer failed: %w", err)
	}
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Close releases the interface, then the device handle and the context
func (t *usbTransport) Close() error {
	t.closeOnce.Do(func() {
		var errs []error

		t.claim.Release()
		if err := t.dev.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := t.host.Close(); err != nil {
			errs = append(errs, err)
		}

		t.closeErr = errors.Join(errs...)
		t.connector.emit(Event{Type: EventRelease, Target: t.connector.target, Error: t.closeErr})
	})
	return t.closeErr
}

type gousbHost struct {
	ctx *gousb.Context
}

func newGousbHost() usbHost {
	return &gousbHost{ctx: gousb.NewContext()}
}

func (h *gousbHost) OpenDevice(target USBTarget) (usbDevice, error) {
	var (
		dev *gousb.Device
		err error
	)
	switch {
	case target.Serial != "":
		dev, err = GetDeviceBySerial(h.ctx, target.Serial)
		if err != nil {
			return nil, err
		}
	case target.VendorID == 0 && target.ProductID == 0:
		printers := FindPrinters(h.ctx)
		if len(printers) == 0 {
			return nil, fmt.Errorf("%w: cannot find printer", ErrDeviceNotFound)
		}
		dev = printers[0]
		for _, p := range printers[1:] {
			p.Close()
		}
	default:
		dev, err = GetDeviceByVIDPID(h.ctx, target.VendorID, target.ProductID)
		if err != nil {
			return nil, err
		}
	}

	// Set auto-detach kernel driver on Linux
	if runtime.GOOS == "linux" {
		dev.SetAutoDetach(true)
	}

	return &gousbDevice{dev: dev}, nil
}

func (h *gousbHost) Close() error {
	return h.ctx.Close()
}

type gousbDevice struct {
	dev *gousb.Device
}

func (d *gousbDevice) Claim(ifaceNum int) (usbClaim, error) {
	cfgNum, err := d.dev.ActiveConfigNum()
	if err != nil {
		return nil, fmt.Errorf("failed to get active config: %w", err)
	}

	cfg, err := d.dev.Config(cfgNum)
	if err != nil {
		return nil, fmt.Errorf("failed to get config: %w", err)
	}

	if ifaceNum < 0 {
		ifaceNum = printerInterface(cfg.Desc)
		if ifaceNum < 0 {
			cfg.Close()
			return nil, ErrNoPrinterInterface
		}
	}

	iface, err := cfg.Interface(ifaceNum, 0)
	if err != nil {
		cfg.Close()
		return nil, fmt.Errorf("%w: %v", ErrClaimFailed, err)
	}

	for _, epDesc := range iface.Setting.Endpoints {
		if epDesc.Direction != gousb.EndpointDirectionOut || epDesc.TransferType != gousb.TransferTypeBulk {
			continue
		}
		ep, err := iface.OutEndpoint(epDesc.Number)
		if err == nil {
			return &gousbClaim{cfg: cfg, iface: iface, out: ep}, nil
		}
	}

	iface.Close()
	cfg.Close()
	return nil, ErrNoOutEndpoint
}

func (d *gousbDevice) Close() error {
	return d.dev.Close()
}

type gousbClaim struct {
	cfg   *gousb.Config
	iface *gousb.Interface
	out   *gousb.OutEndpoint
}

func (c *gousbClaim) Write(p []byte) (int, error) {
	return c.out.Write(p)
}

func (c *gousbClaim) Release() {
	c.iface.Close()
	c.cfg.Close()
}

func printerInterface(desc gousb.ConfigDesc) int {
	for _, iface := range desc.Interfaces {
		for _, alt := range iface.AltSettings {
			if alt.Class == IfaceClassPrinter {
				return iface.Number
			}
		}
	}
	return -1
}

// IsPrinter checks if a device is a printer
func IsPrinter(dev *gousb.Device) bool {
	if dev == nil {
		return false
	}

	cfg, err := dev.ActiveConfigNum()
	if err != nil {
		return false
	}

	cfgDesc, err := dev.Config(cfg)
	if err != nil {
		return false
	}
	defer cfgDesc.Close()

	return printerInterface(cfgDesc.Desc) >= 0
}

// FindPrinters returns all USB printer devices. Devices that are not
// printers are closed.
func FindPrinters(ctx *gousb.Context) []*gousb.Device {
	printers := []*gousb.Device{}

	devices, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return true // Check all devices
	})
	if err != nil && len(devices) == 0 {
		return printers
	}

	for _, dev := range devices {
		if IsPrinter(dev) {
			printers = append(printers, dev)
		} else {
			dev.Close()
		}
	}

	return printers
}

// GetDeviceByVIDPID opens a device by VID and PID
func GetDeviceByVIDPID(ctx *gousb.Context, vid, pid uint16) (*gousb.Device, error) {
	device, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, ErrDeviceNotFound
	}
	return device, nil
}

// GetDeviceBySerial opens a device by serial number
func GetDeviceBySerial(ctx *gousb.Context, serial string) (*gousb.Device, error) {
	devices, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return true
	})
	if err != nil && len(devices) == 0 {
		return nil, err
	}

	var found *gousb.Device
	for _, dev := range devices {
		if found == nil {
			if s, err := dev.SerialNumber(); err == nil && s == serial {
				found = dev
				continue
			}
		}
		dev.Close()
	}

	if found == nil {
		return nil, fmt.Errorf("%w: serial number %q", ErrDeviceNotFound, serial)
	}
	return found, nil
}
