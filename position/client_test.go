package position

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFGFS emulates the telemetry dump protocol, splitting
// each response across two writes to exercise the fragmentation-tolerant
// reader.
func fakeFGFS(t *testing.T, ln net.Listener) {
	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}

		var body string
		switch {
		case contains(line, "/position"):
			body = "<PropertyList>\n<latitude-deg>47.25</latitude-deg>\n<longitude-deg>11.31</longitude-deg>\n<altitude-ft>5000</altitude-ft>\n<ground-elev-ft>2000</ground-elev-ft>\n</PropertyList>\n"
		case contains(line, "/orientation"):
			body = "<PropertyList>\n<heading-deg>270</heading-deg>\n</PropertyList>\n"
		case contains(line, "/velocities"):
			body = "<PropertyList>\n<groundspeed-kt>120</groundspeed-kt>\n</PropertyList>\n"
		default:
			continue
		}

		mid := len(body) / 2
		conn.Write([]byte(body[:mid]))
		time.Sleep(5 * time.Millisecond)
		conn.Write([]byte(body[mid:]))
	}
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && (func() bool {
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
		return false
	})()
}

func TestClientPublishesSnapshotAcrossFragmentedReads(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go fakeFGFS(t, ln)

	c := New(ln.Addr().String())
	c.Interval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool {
		return c.Snapshot() != nil
	}, time.Second, 10*time.Millisecond)

	snap := c.Snapshot()
	assert.InDelta(t, 47.25, snap.LatDeg, 1e-6)
	assert.InDelta(t, 11.31, snap.LonDeg, 1e-6)
	assert.InDelta(t, 5000, snap.AltitudeMSLFt, 1e-6)
	assert.InDelta(t, 3000, snap.AGLFt, 1e-6)
	assert.InDelta(t, 270, snap.HeadingDeg, 1e-6)
	assert.InDelta(t, 120, snap.SpeedMPH, 1e-6)
}

func TestSnapshotNilBeforeConnect(t *testing.T) {
	c := New("127.0.0.1:1") // nothing listening
	assert.Nil(t, c.Snapshot())
}

func TestAGLFloorsAtZero(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			if _, err := r.ReadString('\n'); err != nil {
				return
			}
			conn.Write([]byte("<PropertyList>\n<latitude-deg>0</latitude-deg><longitude-deg>0</longitude-deg><altitude-ft>100</altitude-ft><ground-elev-ft>500</ground-elev-ft>\n</PropertyList>\n"))
		}
	}()

	c := New(ln.Addr().String())
	c.Interval = 10 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool {
		return c.Snapshot() != nil
	}, 500*time.Millisecond, 10*time.Millisecond)

	assert.Equal(t, 0.0, c.Snapshot().AGLFt)
}
