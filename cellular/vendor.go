package cellular

import (
	"context"

	"github.com/toitware/cellular/at"
	"github.com/toitware/cellular/atsession"
	"github.com/toitware/cellular/cellular/config"
	"github.com/toitware/cellular/gpio"
	"github.com/toitware/cellular/socket"
)

// Vendor supplies the per-chip quirks (C7) the session machine (C6)
// orchestrates around: AT-verb names, timeout constants, band-mask
// encoding, and socket-hook construction. Each of hwvendor/quectel,
// hwvendor/sequans, hwvendor/ublox implements this once.
type Vendor interface {
	// Name identifies the vendor for logging.
	Name() string

	// PowerPulse drives the power pin through the vendor's on/off pulse
	// pattern (e.g. 150ms low then release for BG96).
	PowerPulse(ctx context.Context, power gpio.Line, on bool) error

	// PersistBaud returns the vendor's baud-persist command for rate, or
	// ok=false if the chip has no such command (baud reverts on reset).
	PersistBaud(rate int) (at.Command, bool)

	// RegisterParsers installs the vendor's custom response parsers and
	// URC verb table into the session's registry, and any extra OK/error
	// terminations the vendor's firmware emits.
	RegisterParsers(s *atsession.Session)

	// Configure runs one idempotent configuration pass (RAT, bands, APN,
	// PSM). changed reports whether this pass altered any setting;
	// rebootRequired reports the setting requires an immediate soft
	// reset before the pass can be considered applied (e.g. an APN
	// change on Quectel).
	Configure(ctx context.Context, s *atsession.Session, cfg config.Config) (changed, rebootRequired bool, err error)

	// SupportsGSM reports whether +CGREG should also be watched
	// alongside +CEREG during registration.
	SupportsGSM() bool

	// OnConnected runs the vendor's post-attach hook (e.g. Quectel's
	// +QIACT PDP-context activation).
	OnConnected(ctx context.Context, s *atsession.Session) error

	// SoftReset issues the vendor's non-destructive reset verb.
	SoftReset(ctx context.Context, s *atsession.Session) error

	// PowerOff issues the vendor's clean shutdown AT verb.
	PowerOff(ctx context.Context, s *atsession.Session) error

	// IsPoweredOff probes whether the modem has actually powered down
	// (a vendor-specific pin-sniff trick), for the teardown path's
	// "force a hard power pulse if the soft path didn't take" fallback.
	IsPoweredOff(ctx context.Context, power gpio.Line) (bool, error)

	// SocketIDRange returns the vendor's socket id allocation range.
	SocketIDRange() (lo, hi int)

	// RegisterSocketURCs subscribes the vendor's socket-lifecycle URCs
	// (open completion, read-ready, closed, PDP deactivation) and
	// translates each into the multiplexer's generic Handle* calls.
	RegisterSocketURCs(s *atsession.Session, mux *socket.Multiplexer)

	// TCPHooks/UDPHooks build the vendor's socket.Hooks, wiring AT verbs
	// to the multiplexer's generic connect/read/write/close contract.
	TCPHooks(mux *socket.Multiplexer) socket.Hooks
	UDPHooks(mux *socket.Multiplexer) socket.Hooks

	// Resolve issues the vendor's DNS lookup verb.
	Resolve(ctx context.Context, s *atsession.Session, host string) ([]string, error)

	// PSMWakeURC returns the vendor's PSM-wake notification verb (e.g.
	// Quectel's "+QPSMTIMER"), if the chip has one, for ConnectPSM to
	// subscribe before re-attaching. ok is false for vendors with no such
	// notification.
	PSMWakeURC() (verb string, ok bool)
}
