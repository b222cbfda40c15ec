package mixer

import (
	"encoding/json"
)

// Handlers is the set of callbacks a ConferenceControlMessage maps
// onto, one per moderator/participant action the protocol carries.
// Any nil handler simply causes that action to be ignored, mirroring
// ConfProtocolParser's own "missing methods" guard but per-field
// instead of refusing the whole message.
type Handlers struct {
	SetLayout       func(layout int)
	RaiseHand       func(accountURI, deviceID string, state bool)
	Hangup          func(accountURI, deviceID string)
	SetActiveStream func(accountURI, deviceID, streamID string, active bool)
	MuteStreamAudio func(accountURI, deviceID, streamID string, muted bool)
	MuteStreamVideo func(accountURI, deviceID, streamID string, muted bool)
	VoiceActivity   func(accountURI, deviceID, streamID string, active bool)
}

// legacyV0 is the flat, pre-versioning conference control message:
// handRaised/handState, activeParticipant, muteParticipant/muteState,
// hangupParticipant, layout.
type legacyV0 struct {
	Layout            *int    `json:"layout"`
	HandRaised        *string `json:"handRaised"`
	HandState         string  `json:"handState"`
	ActiveParticipant *string `json:"activeParticipant"`
	MuteParticipant   *string `json:"muteParticipant"`
	MuteState         string  `json:"muteState"`
	HangupParticipant *string `json:"hangupParticipant"`
}

type mediaEntryV1 struct {
	MuteAudio     *bool `json:"muteAudio"`
	MuteVideo     *bool `json:"muteVideo"`
	Active        *bool `json:"active"`
	VoiceActivity *bool `json:"voiceActivity"`
}

type deviceEntryV1 struct {
	RaiseHand *bool                   `json:"raiseHand"`
	Hangup    *bool                   `json:"hangup"`
	Medias    map[string]mediaEntryV1 `json:"medias"`
}

type accountEntryV1 struct {
	Devices map[string]deviceEntryV1 `json:"devices"`
}

// ParseControlMessage decodes a raw conference-control JSON message
// and dispatches it to h. peerID is the sender's own identity (used
// to allow a participant to change only their own hand-raise state);
// isModerator gates every action the original restricts to a
// conference moderator (layout, hangup, stream mute/active — raising
// one's own hand is always allowed regardless). Accepts both the
// versioned V1 envelope and the legacy V0 flat form, mirroring
// ConfProtocolParser::parse's version dispatch.
func ParseControlMessage(raw []byte, peerID string, isModerator bool, h Handlers) error {
	var probe struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return err
	}
	if probe.Version == nil {
		return parseV0(raw, peerID, isModerator, h)
	}
	if *probe.Version == 1 {
		return parseV1(raw, peerID, isModerator, h)
	}
	return nil // unsupported version, silently ignored like JAMI_WARN's fallthrough
}

func parseV0(raw []byte, peerID string, isModerator bool, h Handlers) error {
	var msg legacyV0
	if err := json.Unmarshal(raw, &msg); err != nil {
		return err
	}

	if msg.HandRaised != nil {
		uri := *msg.HandRaised
		state := msg.HandState == "true"
		if peerID == uri || (!state && isModerator) {
			if h.RaiseHand != nil {
				h.RaiseHand(uri, "", state)
			}
		}
	}

	if !isModerator {
		return nil
	}
	if msg.Layout != nil && h.SetLayout != nil {
		h.SetLayout(*msg.Layout)
	}
	if msg.ActiveParticipant != nil && h.SetActiveStream != nil {
		h.SetActiveStream("", "", *msg.ActiveParticipant, true)
	}
	if msg.MuteParticipant != nil && h.MuteStreamAudio != nil {
		h.MuteStreamAudio("", *msg.MuteParticipant, "", msg.MuteState == "true")
	}
	if msg.HangupParticipant != nil && h.Hangup != nil {
		h.Hangup("", *msg.HangupParticipant)
	}
	return nil
}

func parseV1(raw []byte, peerID string, isModerator bool, h Handlers) error {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}

	if raw, ok := generic["layout"]; ok && isModerator && h.SetLayout != nil {
		var l int
		if err := json.Unmarshal(raw, &l); err == nil {
			h.SetLayout(l)
		}
	}

	for accountURI, rawAccount := range generic {
		if accountURI == "version" || accountURI == "layout" {
			continue
		}
		var account accountEntryV1
		if err := json.Unmarshal(rawAccount, &account); err != nil {
			continue
		}
		for deviceID, device := range account.Devices {
			if device.RaiseHand != nil {
				newState := *device.RaiseHand
				if peerID == accountURI || (!newState && isModerator) {
					if h.RaiseHand != nil {
						h.RaiseHand(accountURI, deviceID, newState)
					}
				}
			}
			if isModerator && device.Hangup != nil && *device.Hangup && h.Hangup != nil {
				h.Hangup(accountURI, deviceID)
			}
			for streamID, media := range device.Medias {
				if media.VoiceActivity != nil && h.VoiceActivity != nil {
					h.VoiceActivity(peerID, deviceID, streamID, *media.VoiceActivity)
				}
				if !isModerator {
					continue
				}
				if media.MuteVideo != nil && h.MuteStreamVideo != nil {
					h.MuteStreamVideo(accountURI, deviceID, streamID, *media.MuteVideo)
				}
				if media.MuteAudio != nil && h.MuteStreamAudio != nil {
					h.MuteStreamAudio(accountURI, deviceID, streamID, *media.MuteAudio)
				}
				if media.Active != nil && h.SetActiveStream != nil {
					h.SetActiveStream(accountURI, deviceID, streamID, *media.Active)
				}
			}
		}
	}
	return nil
}
