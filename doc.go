// # Voice Tutor Realtime Client
//
// This repository implements a voice-chat client for talking to an AI language
// tutor over a real-time WebRTC audio connection. The root package owns the
// session manager: it negotiates the peer connection with the vendor's speech
// endpoint (SDP offer/answer over HTTP), carries JSON control events on a data
// channel, and relays them to the UI layers as named notifications. Terminal
// front-ends live in the tui and agents packages.
package voicetutor
