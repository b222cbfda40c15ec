package transport

// DSCP classes used to mark outbound RTP/RTCP traffic for QoS-aware
// routers between the two endpoints. Video gets AF41, its RTCP
// feedback channel rides along on the same class.
const (
	DSCPExpeditedForwarding = 46 // EF, reserved for audio in mixed deployments
	DSCPVideoAssuredForward = 34 // AF41, used for the video RTP stream
)

// tuneSocket applies best-effort, platform-specific socket options to
// a freshly created RTP or RTCP UDP socket. Every option here is
// advisory: a failure to apply one never prevents the socket from
// being usable, it just leaves a default the kernel already provides.
func tuneSocket(fd int, dscp int) {
	_ = setSockOptReuseAddr(fd)
	_ = setSockOptDSCP(fd, dscp)
	setSockOptLowLatency(fd)
}
