// Command gadgetctl builds a minimal HID keyboard gadget from flags,
// binds it to a UDC, prints device state transitions until interrupted,
// and unbinds cleanly on SIGINT.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	gadget "github.com/daedaluz/gadgetfs"
	"github.com/daedaluz/gadgetfs/hid"
)

// bootKeyboardReportDescriptor is the standard USB HID boot keyboard
// report: modifier byte, reserved byte, 6-key rollover array.
var bootKeyboardReportDescriptor = []byte{
	0x05, 0x01, 0x09, 0x06, 0xA1, 0x01,
	0x05, 0x07, 0x19, 0xE0, 0x29, 0xE7, 0x15, 0x00, 0x25, 0x01, 0x75, 0x01, 0x95, 0x08, 0x81, 0x02,
	0x95, 0x01, 0x75, 0x08, 0x81, 0x01,
	0x95, 0x06, 0x75, 0x08, 0x15, 0x00, 0x25, 0x65, 0x05, 0x07, 0x19, 0x00, 0x29, 0x65, 0x81, 0x00,
	0xC0,
}

func main() {
	name := flag.String("name", "kbd0", "gadget configfs instance name")
	vid := flag.Uint("vid", 0x1d6b, "idVendor")
	pid := flag.Uint("pid", 0x0104, "idProduct")
	udc := flag.String("udc", "", "UDC name (empty: auto-select the sole registered one)")
	product := flag.String("product", "gadgetfs example keyboard", "iProduct string")
	flag.Parse()

	fn, err := hid.New(*name, bootKeyboardReportDescriptor, hid.SubclassBoot, hid.ProtocolKeyboard,
		hid.TopologyInputOnly, hid.EndpointConfig{PollingMillis: 8, MaxPacketSize: 8},
		[]gadget.Speed{gadget.SpeedFull, gadget.SpeedHigh})
	if err != nil {
		log.Fatalf("gadgetctl: build HID function: %v", err)
	}

	power, err := gadget.NewMaxPower(100)
	if err != nil {
		log.Fatalf("gadgetctl: %v", err)
	}
	cfg, err := gadget.NewConfiguration(1, power, gadget.ConfigAttrBusPowered)
	if err != nil {
		log.Fatalf("gadgetctl: %v", err)
	}
	cfg.SetName(0x0409, "HID keyboard configuration")
	cfg.AddFunction(fn)

	g, err := gadget.NewGadget(*name, uint16(*vid), uint16(*pid))
	if err != nil {
		log.Fatalf("gadgetctl: %v", err)
	}
	g.UDC = *udc
	g.Configuration = cfg
	g.Strings[0x0409] = gadget.GadgetStrings{
		Manufacturer: "gadgetfs",
		Product:      *product,
		SerialNumber: "0001",
	}

	progress := mpb.New(mpb.WithWidth(40))
	bindBar := progress.AddBar(1,
		mpb.PrependDecorators(decor.Name("bind "+*name+": ")),
		mpb.AppendDecorators(decor.OnComplete(decor.Name("waiting"), "bound")),
	)

	if err := g.Bind(); err != nil {
		log.Fatalf("gadgetctl: bind: %v", err)
	}
	bindBar.Increment()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	resolvedUDC := g.UDC
	states, stopStates := g.StateStream(resolvedUDC, 200*time.Millisecond)
	stateBar := progress.AddBar(0,
		mpb.PrependDecorators(decor.Name(resolvedUDC+" state: ")),
		mpb.AppendDecorators(decor.Any(func(statistics decor.Statistics) string { return "" })),
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case s, ok := <-states:
				if !ok {
					return
				}
				stateBar.SetCurrent(0)
				stateBar.DecoratorEwmaUpdate(0)
				log.Printf("gadgetctl: %s state: %s", resolvedUDC, s)
			}
		}
	}()

	<-sigCh
	stopStates()
	<-done

	if err := g.Unbind(); err != nil {
		log.Fatalf("gadgetctl: unbind: %v", err)
	}
	progress.Wait()
}
