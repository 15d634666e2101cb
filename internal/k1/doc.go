// Package k1 drives a K1 race timer over a serial line.
//
// The device speaks short ASCII commands ("RM", "MA", "LXC", ...) that are
// acknowledged in the same stream that carries its unsolicited race-cleared
// ("@") and results notifications. A Matcher picks complete responses out
// of that stream, a Port serializes commands and waits for their
// acknowledgement, and a Timer sequences device operations and turns
// results into RaceResult values for its subscribers.
package k1

import "github.com/sirupsen/logrus"

var log = logrus.WithField("component", "k1")
