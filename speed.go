package gadget

// Speed is one of the four link speeds FunctionFS can generate descriptor
// sets for.
type Speed uint8

const (
	SpeedFull = Speed(iota)
	SpeedHigh
	SpeedSuper
	SpeedSuperPlus
)

func (s Speed) String() string {
	switch s {
	case SpeedFull:
		return "full-speed"
	case SpeedHigh:
		return "high-speed"
	case SpeedSuper:
		return "super-speed"
	case SpeedSuperPlus:
		return "super-speed-plus"
	default:
		return "unknown-speed"
	}
}

// FlagBit is the bit this speed occupies in the FunctionFS descriptors blob
// flags word.
func (s Speed) FlagBit() uint32 {
	switch s {
	case SpeedFull:
		return 1 << 0
	case SpeedHigh:
		return 1 << 1
	case SpeedSuper:
		return 1 << 2
	case SpeedSuperPlus:
		return 1 << 3
	}
	return 0
}

// BaseItem is either a fixed Descriptor (interface, HID, IAD, ...) or an
// *EndpointTemplate to be resolved per speed. A function's descriptor list
// is declared once as a slice of BaseItem and expanded per requested Speed.
type BaseItem struct {
	Fixed    Descriptor
	Template *EndpointTemplate
}

// Fixed wraps a concrete descriptor emitted verbatim at every speed.
func Fixed(d Descriptor) BaseItem { return BaseItem{Fixed: d} }

// Endpoint wraps an EndpointTemplate to be materialized per speed.
func Endpoint(t *EndpointTemplate) BaseItem { return BaseItem{Template: t} }

// GenerateForSpeed resolves a base item list into a concrete DescriptorSet
// for one speed: fixed descriptors are emitted verbatim, endpoint templates
// become endpoint descriptors (plus an SS companion at SS/SSP) sized and
// timed for that speed.
func GenerateForSpeed(base []BaseItem, speed Speed) (*DescriptorSet, error) {
	set := &DescriptorSet{Descriptors: make([]Descriptor, 0, len(base))}
	for _, item := range base {
		if item.Fixed != nil {
			set.Descriptors = append(set.Descriptors, item.Fixed)
			continue
		}
		ep, companion, err := resolveEndpoint(item.Template, speed)
		if err != nil {
			return nil, err
		}
		set.Descriptors = append(set.Descriptors, ep)
		if companion != nil {
			set.Descriptors = append(set.Descriptors, companion)
		}
	}
	return set, nil
}

func resolveEndpoint(t *EndpointTemplate, speed Speed) (*EndpointDescriptor, Descriptor, error) {
	cfg := t.Config
	size := cfg.MaxPacketSize
	if size == 0 {
		size = defaultMaxPacketSize(speed, cfg.TransferType)
	}
	if err := validateMaxPacketSize(speed, cfg.TransferType, size); err != nil {
		return nil, nil, err
	}
	interval := intervalForSpeed(speed, cfg.TransferType, cfg.PollingMillis)
	wMax := size
	if speed == SpeedHigh && cfg.TransferType == TransferTypeIsochronous && cfg.IsoTransactionsPerMicroframe > 1 {
		txn := cfg.IsoTransactionsPerMicroframe
		if txn > 3 {
			txn = 3
		}
		wMax |= uint16(txn-1) << 11
	}
	isAudio := cfg.TransferType == TransferTypeIsochronous
	ep := &EndpointDescriptor{
		Address:        t.Address,
		Attributes:     makeAttributes(cfg.TransferType, cfg.SyncType, cfg.UsageType),
		MaxPacketSize:  wMax,
		Interval:       interval,
		isAudioVariant: isAudio,
	}
	var companion Descriptor
	if speed == SpeedSuper || speed == SpeedSuperPlus {
		companion = &SSEndpointCompanionDescriptor{
			MaxBurst:         0,
			Attributes:       0,
			BytesPerInterval: 0,
		}
	}
	return ep, companion, nil
}

func defaultMaxPacketSize(speed Speed, t TransferType) uint16 {
	switch speed {
	case SpeedFull:
		if t == TransferTypeControl || t == TransferTypeBulk {
			return 64
		}
		return 64
	case SpeedHigh:
		switch t {
		case TransferTypeControl:
			return 64
		case TransferTypeBulk:
			return 512
		default:
			return 1024
		}
	default: // SS / SSP
		if t == TransferTypeControl {
			return 512
		}
		return 1024
	}
}

func intervalForSpeed(speed Speed, t TransferType, pollingMillis uint8) uint8 {
	if t == TransferTypeControl || t == TransferTypeBulk {
		return 0
	}
	switch speed {
	case SpeedFull:
		ms := pollingMillis
		if ms == 0 {
			ms = 1
		}
		if ms > 255 {
			ms = 255
		}
		return ms
	case SpeedHigh:
		if t == TransferTypeIsochronous {
			return 1
		}
		return exponentForMillis(pollingMillis)
	default: // SS / SSP
		return exponentForMillis(pollingMillis)
	}
}

// exponentForMillis returns n in 1..16 such that 2^(n-1) microframes
// (125us each) is the smallest encoding at least as long as the requested
// interval. 0 ms is treated as the minimum, exponent 1.
func exponentForMillis(ms uint8) uint8 {
	microframes := uint32(ms) * 8
	if microframes == 0 {
		microframes = 1
	}
	n := uint8(1)
	for (uint32(1) << (n - 1)) < microframes {
		if n >= 16 {
			break
		}
		n++
	}
	return n
}
