// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package conduit

import "expvar"

// metrics record peer activity counters.
type metrics struct {
	frameRecv       expvar.Int
	frameSent       expvar.Int
	responseDropped expvar.Int // responses for IDs not pending
	callIn          expvar.Int // number of inbound requests received
	callInErr       expvar.Int // number of inbound requests reporting an error
	callOut         expvar.Int // number of outbound requests sent
	callOutErr      expvar.Int // number of outbound calls reporting an error
	callActive      expvar.Int // inbound
	callPending     expvar.Int // outbound
	callTimeout     expvar.Int
	notifyIn        expvar.Int
	notifyOut       expvar.Int
	notifyDropped   expvar.Int // notifications with no subscribers
	subscriberErr   expvar.Int

	emap *expvar.Map
}

var peerMetrics = newMetrics()

func newMetrics() *metrics {
	pm := &metrics{emap: new(expvar.Map)}
	pm.emap.Set("frames_received", &pm.frameRecv)
	pm.emap.Set("frames_sent", &pm.frameSent)
	pm.emap.Set("responses_dropped", &pm.responseDropped)
	pm.emap.Set("calls_in", &pm.callIn)
	pm.emap.Set("calls_in_failed", &pm.callInErr)
	pm.emap.Set("calls_active", &pm.callActive)
	pm.emap.Set("calls_out", &pm.callOut)
	pm.emap.Set("calls_out_failed", &pm.callOutErr)
	pm.emap.Set("calls_pending", &pm.callPending)
	pm.emap.Set("calls_timed_out", &pm.callTimeout)
	pm.emap.Set("notifications_in", &pm.notifyIn)
	pm.emap.Set("notifications_out", &pm.notifyOut)
	pm.emap.Set("notifications_dropped", &pm.notifyDropped)
	pm.emap.Set("subscriber_failures", &pm.subscriberErr)
	return pm
}
