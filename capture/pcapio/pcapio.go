// SPDX-License-Identifier: GPL-3.0-or-later

// Package pcapio implements an offline [capture.Source] reading pcap
// files and a [capture.Sender] writing the packets we release and
// inject to a pcap file.
package pcapio

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/rbmk-project/unblock/capture"
)

// snapLen is the snapshot length of the files we write.
const snapLen = 65535

// pending is a packet waiting for its verdict.
type pending struct {
	data []byte
	time time.Time
}

// Reader is a [capture.Source] reading a pcap file.
//
// The accepted packets are written to the optional Out [*Writer].
// Frames without an IP packet are skipped.
//
// Construct using [NewReader].
type Reader struct {
	// Out is the OPTIONAL writer receiving the released packets.
	Out *Writer

	// Skipped counts the frames we skipped.
	Skipped int

	// decoder decodes the link layer or is nil for raw IP.
	decoder gopacket.Decoder

	// last is the timestamp of the last packet.
	last time.Time

	// next is the ID of the next packet.
	next uint32

	// pending contains the packets waiting for a verdict.
	pending map[uint32]pending

	// r is the underlying reader.
	r *pcapgo.Reader
}

var _ capture.Source = &Reader{}

// NewReader creates a new [*Reader] reading from r. It supports the
// raw IP, Ethernet and Linux cooked capture link types.
func NewReader(r io.Reader) (*Reader, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("pcapio: cannot read header: %w", err)
	}
	var decoder gopacket.Decoder
	switch lt := pr.LinkType(); lt {
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6:
	case layers.LinkTypeEthernet:
		decoder = layers.LayerTypeEthernet
	case layers.LinkTypeLinuxSLL:
		decoder = layers.LayerTypeLinuxSLL
	default:
		return nil, fmt.Errorf("pcapio: unsupported link type: %s", lt)
	}
	return &Reader{
		decoder: decoder,
		pending: make(map[uint32]pending),
		r:       pr,
	}, nil
}

// Time returns the timestamp of the last packet we read.
func (r *Reader) Time() time.Time {
	return r.last
}

// Receive implements [capture.Source].
func (r *Reader) Receive(ctx context.Context) (*capture.Packet, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		frame, ci, err := r.r.ReadPacketData()
		if err != nil {
			return nil, err
		}
		data, ok := r.network(frame)
		if !ok {
			r.Skipped++
			continue
		}
		r.next++
		r.last = ci.Timestamp
		r.pending[r.next] = pending{data: data, time: ci.Timestamp}
		return &capture.Packet{ID: r.next, Data: data, Time: ci.Timestamp}, nil
	}
}

// network returns the IP packet carried by the frame.
func (r *Reader) network(frame []byte) ([]byte, bool) {
	if r.decoder == nil {
		return frame, len(frame) > 0
	}
	pkt := gopacket.NewPacket(frame, r.decoder, gopacket.Default)
	nl := pkt.NetworkLayer()
	if nl == nil {
		return nil, false
	}
	switch nl.LayerType() {
	case layers.LayerTypeIPv4, layers.LayerTypeIPv6:
	default:
		return nil, false
	}
	data := append([]byte{}, nl.LayerContents()...)
	return append(data, nl.LayerPayload()...), true
}

// SetVerdict implements [capture.Source].
func (r *Reader) SetVerdict(id uint32, verdict capture.Verdict, data []byte) error {
	entry, found := r.pending[id]
	if !found {
		return fmt.Errorf("pcapio: unknown packet id: %d", id)
	}
	delete(r.pending, id)
	if verdict == capture.VerdictDrop || r.Out == nil {
		return nil
	}
	if data == nil {
		data = entry.data
	}
	return r.Out.write(entry.time, data)
}

// Writer is a [capture.Sender] writing raw IP packets to a pcap file.
//
// Construct using [NewWriter].
type Writer struct {
	// TimeNow is an optional function that returns the current time.
	// If this field is nil, the [time.Now] function will be used.
	TimeNow func() time.Time

	// mu protects w and count.
	mu sync.Mutex

	// count is the number of written packets.
	count int

	// w is the underlying writer.
	w *pcapgo.Writer
}

var _ capture.Sender = &Writer{}

// NewWriter creates a new [*Writer] and writes the file header.
func NewWriter(w io.Writer) (*Writer, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("pcapio: cannot write header: %w", err)
	}
	return &Writer{w: pw}, nil
}

// Count returns the number of written packets.
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Send implements [capture.Sender].
func (w *Writer) Send(data []byte, ipv6 bool) error {
	now := time.Now()
	if w.TimeNow != nil {
		now = w.TimeNow()
	}
	return w.write(now, data)
}

// write writes a packet with the given timestamp.
func (w *Writer) write(ts time.Time, data []byte) error {
	ci := gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(data),
		Length:        len(data),
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.WritePacket(ci, data); err != nil {
		return err
	}
	w.count++
	return nil
}
