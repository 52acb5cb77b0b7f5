// Package dialer places outbound SIP calls by asking the media server to
// create a SIP participant in the call room and waiting for the callee to
// answer.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/livekit/protocol/livekit"
	"github.com/twitchtv/twirp"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/callforge/voiceagent/internal/job"
)

// Identity given to the remote SIP participant in the room. The session
// waits for a participant with this identity after dialing.
const ParticipantIdentity = "phone_user"

// SIPClient is the slice of the media server's SIP service the dialer needs.
// Satisfied by *lksdk.SIPClient.
type SIPClient interface {
	CreateSIPParticipant(ctx context.Context, req *livekit.CreateSIPParticipantRequest) (*livekit.SIPParticipantInfo, error)
	TransferSIPParticipant(ctx context.Context, req *livekit.TransferSIPParticipantRequest) (*emptypb.Empty, error)
}

// Participant is the answered remote leg.
type Participant struct {
	Identity  string
	RoomName  string
	SIPCallID string
	JoinedAt  time.Time
}

// DialError carries the terminal SIP status of a failed call attempt. The
// dialer never retries; the dispatcher decides whether a 5xx warrants a
// second attempt.
type DialError struct {
	StatusCode int
	Status     string
	Err        error
}

func (e *DialError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("dial failed with SIP status %d %s: %v", e.StatusCode, e.Status, e.Err)
	}
	return fmt.Sprintf("dial failed: %v", e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// Transient reports whether the failure was a 5xx the dispatcher may retry.
func (e *DialError) Transient() bool {
	return e.StatusCode >= 500 && e.StatusCode < 600
}

// Dialer creates SIP participants for outbound calls.
type Dialer struct {
	sip    SIPClient
	logger *slog.Logger

	// RingingTimeout bounds how long the far end may ring. Zero leaves the
	// provider default.
	RingingTimeout time.Duration
}

// New creates a dialer.
func New(sip SIPClient, logger *slog.Logger) *Dialer {
	return &Dialer{sip: sip, logger: logger}
}

// Dial places the call and blocks until the callee answers, the provider
// reports a terminal SIP status, or ctx is cancelled.
func (d *Dialer) Dial(ctx context.Context, trunkID, callee, roomName string) (Participant, error) {
	if trunkID == "" {
		return Participant{}, &DialError{Err: errors.New("dialer: no outbound trunk configured")}
	}
	if !job.ValidE164(callee) {
		return Participant{}, &DialError{Err: fmt.Errorf("dialer: callee %q is not E.164", callee)}
	}

	req := &livekit.CreateSIPParticipantRequest{
		SipTrunkId:          trunkID,
		SipCallTo:           callee,
		RoomName:            roomName,
		ParticipantIdentity: ParticipantIdentity,
		ParticipantName:     "Phone Caller",
		WaitUntilAnswered:   true,
	}
	if d.RingingTimeout > 0 {
		req.RingingTimeout = durationpb.New(d.RingingTimeout)
	}

	d.logger.Info("dialing",
		slog.String("room", roomName),
		slog.String("trunk", trunkID))

	info, err := d.sip.CreateSIPParticipant(ctx, req)
	if err != nil {
		derr := classify(err)
		d.logger.Warn("dial failed",
			slog.String("room", roomName),
			slog.Int("sip_status_code", derr.StatusCode),
			slog.String("sip_status", derr.Status),
			slog.String("error", err.Error()))
		return Participant{}, derr
	}

	p := Participant{
		Identity:  info.ParticipantIdentity,
		RoomName:  roomName,
		SIPCallID: info.SipCallId,
		JoinedAt:  time.Now(),
	}
	d.logger.Info("callee answered",
		slog.String("room", roomName),
		slog.String("identity", p.Identity),
		slog.String("sip_call_id", p.SIPCallID))
	return p, nil
}

// Transfer moves the remote participant to another number mid-call. The
// media server speaks a REFER to the trunk; the tel: scheme is what SIP
// providers expect for PSTN targets.
func (d *Dialer) Transfer(ctx context.Context, roomName, identity, transferTo string) error {
	if !job.ValidE164(transferTo) {
		return fmt.Errorf("dialer: transfer target %q is not E.164", transferTo)
	}
	_, err := d.sip.TransferSIPParticipant(ctx, &livekit.TransferSIPParticipantRequest{
		RoomName:            roomName,
		ParticipantIdentity: identity,
		TransferTo:          "tel:" + transferTo,
		PlayDialtone:        true,
	})
	if err != nil {
		derr := classify(err)
		d.logger.Warn("transfer failed",
			slog.String("room", roomName),
			slog.Int("sip_status_code", derr.StatusCode),
			slog.String("error", err.Error()))
		return derr
	}
	d.logger.Info("call transferred",
		slog.String("room", roomName),
		slog.String("transfer_to", transferTo))
	return nil
}

// classify extracts the SIP status the provider attaches as twirp metadata.
func classify(err error) *DialError {
	derr := &DialError{Err: err}
	var te twirp.Error
	if errors.As(err, &te) {
		if code := te.Meta("sip_status_code"); code != "" {
			if n, convErr := strconv.Atoi(code); convErr == nil {
				derr.StatusCode = n
			}
		}
		derr.Status = te.Meta("sip_status")
	}
	return derr
}
