package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"github.com/soypat/vsock"
	"github.com/soypat/vsock/virtio"
	"github.com/soypat/vsock/virtio/fake"
	"github.com/soypat/vsock/vsockhdr"
	"github.com/soypat/vsock/vsocktest"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// scenario is a replay file.
//
//	guest_cid: 3
//	listen:
//	  - port: 1234
//	    buf_alloc: 1024
//	steps:
//	  - connect: {port: 1234, src_port: 5000}
//	  - credit_update: 4096
//	  - send: hello
//	  - host_read: true
//	  - host_write: pong
//	  - shutdown: true
type scenario struct {
	GuestCID uint64     `yaml:"guest_cid"`
	Listen   []listener `yaml:"listen"`
	Steps    []step     `yaml:"steps"`
}

type listener struct {
	Port     uint32 `yaml:"port"`
	BufAlloc uint32 `yaml:"buf_alloc"`
}

// step is one guest or host action. Exactly one field should be set.
type step struct {
	Connect      *connectStep `yaml:"connect,omitempty"`
	Send         string       `yaml:"send,omitempty"`
	CreditUpdate uint32       `yaml:"credit_update,omitempty"`
	Shutdown     bool         `yaml:"shutdown,omitempty"`
	ForceClose   bool         `yaml:"force_close,omitempty"`
	HostWrite    string       `yaml:"host_write,omitempty"`
	HostRead     bool         `yaml:"host_read,omitempty"`
	HostShutdown bool         `yaml:"host_shutdown,omitempty"`
}

type connectStep struct {
	CID     uint64 `yaml:"cid"`
	Port    uint32 `yaml:"port"`
	SrcPort uint32 `yaml:"src_port"`
}

func newReplayCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "replay <file.yaml>",
		Short: "Replay a connection scenario against a simulated host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			sc, err := parseScenario(data)
			if err != nil {
				return err
			}
			var logger *slog.Logger
			if verbose {
				logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelDebug - 1}))
			}
			return replay(cmd.OutOrStdout(), sc, logger)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log driver and host activity to stderr")
	return cmd
}

func parseScenario(data []byte) (*scenario, error) {
	var sc scenario
	err := yaml.Unmarshal(data, &sc)
	if err != nil {
		return nil, errors.Wrap(err, "parsing scenario")
	}
	if sc.GuestCID == 0 {
		sc.GuestCID = 3
	}
	if sc.GuestCID <= vsockhdr.CIDHost {
		return nil, errors.Errorf("guest cid %d is reserved", sc.GuestCID)
	}
	return &sc, nil
}

type replayer struct {
	w      io.Writer
	d      *vsock.Driver
	h      *vsocktest.Host
	ci     vsock.ConnectionInfo
	hc     *vsocktest.Conn
	dialed bool
	buf    [vsock.RxBufferSize]byte
}

func replay(w io.Writer, sc *scenario, logger *slog.Logger) error {
	tr := fake.NewTransport(virtio.SocketDeviceID, vsockhdr.FeatureStream, fake.SocketConfig(sc.GuestCID))
	h := vsocktest.New(tr, vsocktest.Config{Logger: logger})
	for _, l := range sc.Listen {
		h.Listen(l.Port, l.BufAlloc)
	}
	d, err := vsock.New(tr, vsock.Config{Logger: logger})
	if err != nil {
		return err
	}
	defer d.Close()
	r := &replayer{w: w, d: d, h: h}
	fmt.Fprintln(w, dimFmt("guest cid "+strconv.FormatUint(d.GuestCID(), 10)))
	for i := range sc.Steps {
		err = r.step(&sc.Steps[i])
		if err != nil {
			fmt.Fprintf(w, "%s step %d: %s\n", errFmt("!"), i+1, err)
		}
		r.drain()
	}
	return nil
}

func (r *replayer) step(s *step) error {
	switch {
	case s.Connect != nil:
		cid := s.Connect.CID
		if cid == 0 {
			cid = vsockhdr.CIDHost
		}
		dst := vsock.Addr{CID: cid, Port: s.Connect.Port}
		r.action("connect", dst.String()+" from port "+strconv.FormatUint(uint64(s.Connect.SrcPort), 10))
		r.ci = vsock.NewConnectionInfo(dst, s.Connect.SrcPort)
		r.hc, r.dialed = nil, true
		return r.d.Connect(dst, s.Connect.SrcPort)

	case s.Send != "":
		r.action("send", strconv.Quote(s.Send))
		return r.d.Send([]byte(s.Send), &r.ci)

	case s.CreditUpdate != 0:
		r.action("credit_update", strconv.FormatUint(uint64(s.CreditUpdate), 10))
		return r.d.CreditUpdate(&r.ci, s.CreditUpdate)

	case s.Shutdown:
		r.action("shutdown", r.ci.Dst.String())
		return r.d.Shutdown(&r.ci)

	case s.ForceClose:
		r.action("force_close", r.ci.Dst.String())
		return r.d.ForceClose(&r.ci)

	case s.HostWrite != "":
		hc, err := r.hostConn()
		if err != nil {
			return err
		}
		r.action("host_write", strconv.Quote(s.HostWrite))
		n, err := hc.Write([]byte(s.HostWrite))
		if n < len(s.HostWrite) && err == nil {
			fmt.Fprintln(r.w, infoFmt(fmt.Sprintf("  host wrote %d of %d bytes", n, len(s.HostWrite))))
		}
		return err

	case s.HostRead:
		hc, err := r.hostConn()
		if err != nil {
			return err
		}
		r.action("host_read", "")
		buf := make([]byte, 4096)
		n, err := hc.Read(buf)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.w, "  host got %s\n", okFmt(strconv.Quote(string(buf[:n]))))
		return nil

	case s.HostShutdown:
		hc, err := r.hostConn()
		if err != nil {
			return err
		}
		r.action("host_shutdown", "")
		return hc.Shutdown()
	}
	return errors.New("empty step")
}

func (r *replayer) hostConn() (*vsocktest.Conn, error) {
	if r.hc != nil {
		return r.hc, nil
	}
	if !r.dialed {
		return nil, vsock.ErrNotConnected
	}
	hc, ok := r.h.Conn(vsock.Addr{CID: r.d.GuestCID(), Port: r.ci.SrcPort}, r.ci.Dst.Port)
	if !ok {
		return nil, vsock.ErrNotConnected
	}
	r.hc = hc
	return hc, nil
}

// drain prints every pending guest event and applies it to the connection.
func (r *replayer) drain() {
	for {
		ev, ok, err := r.d.PollRecv(r.buf[:])
		if err == vsock.ErrClosed {
			return
		} else if err != nil {
			fmt.Fprintf(r.w, "%s %s\n", errFmt("<"), err)
			continue
		}
		if !ok {
			return
		}
		line := fmt.Sprintf("%s buf_alloc=%d fwd_cnt=%d", ev, ev.BufferAllocation, ev.ForwardCount)
		if !ev.MatchesConnection(&r.ci, r.d.GuestCID()) {
			fmt.Fprintf(r.w, "%s %s\n", dimFmt("<"), dimFmt(line+" (other connection)"))
			continue
		}
		r.ci.UpdateForEvent(&ev)
		switch ev.Type {
		case vsock.EventDisconnected:
			fmt.Fprintf(r.w, "%s %s\n", errFmt("<"), line)
		case vsock.EventReceived:
			fmt.Fprintf(r.w, "%s %s %s\n", okFmt("<"), line, okFmt(strconv.Quote(string(r.buf[:ev.Length]))))
			r.ci.DoneForwarding(ev.Length)
		default:
			fmt.Fprintf(r.w, "%s %s\n", okFmt("<"), line)
		}
	}
}

func (r *replayer) action(name, detail string) {
	fmt.Fprintf(r.w, "%s %s %s\n", infoFmt(">"), opFmt(name), detail)
}
