package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/soypat/vsock/vsockhdr"
	"github.com/spf13/cobra"
)

func newDecodeCmd() *cobra.Command {
	var dump bool
	cmd := &cobra.Command{
		Use:   "decode <hex>",
		Short: "Decode a hex encoded packet",
		Long: `Decode prints the header fields of a virtio-vsock packet given as hex.
Spaces, colons and a 0x prefix are ignored.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pkt, err := parseHex(strings.Join(args, ""))
			if err != nil {
				return err
			}
			return decode(cmd.OutOrStdout(), pkt, dump)
		},
	}
	cmd.Flags().BoolVar(&dump, "hex-dump", false, "Do full hex.Dump() of the body")
	return cmd
}

func parseHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	s = strings.NewReplacer(" ", "", ":", "", "\n", "", "\t", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "parsing hex")
	}
	return b, nil
}

func decode(w io.Writer, pkt []byte, dump bool) error {
	if len(pkt) < vsockhdr.HeaderLen {
		return errors.Errorf("packet of %d bytes shorter than %d byte header", len(pkt), vsockhdr.HeaderLen)
	}
	hdr := vsockhdr.DecodeHeader(pkt)
	body := pkt[vsockhdr.HeaderLen:]
	op := hdr.Op()
	opName := opFmt(op.String())
	if op == vsockhdr.OpInvalid {
		opName = errFmt(fmt.Sprintf("invalid(%d)", hdr.RawOp))
	}
	fmt.Fprintf(w, "%s vm(%d):%d -> vm(%d):%d type=%d len=%d flags=%#x buf_alloc=%d fwd_cnt=%d\n",
		opName, hdr.SrcCID, hdr.SrcPort, hdr.DstCID, hdr.DstPort, hdr.Type, hdr.Len, hdr.Flags, hdr.BufAlloc, hdr.FwdCnt)
	switch {
	case int(hdr.Len) > len(body):
		fmt.Fprintln(w, errFmt(fmt.Sprintf("body truncated: header declares %d bytes, %d present", hdr.Len, len(body))))
	case int(hdr.Len) < len(body):
		fmt.Fprintln(w, infoFmt(fmt.Sprintf("%d trailing bytes after body", len(body)-int(hdr.Len))))
		body = body[:hdr.Len]
	}
	if op == vsockhdr.OpShutdown {
		fmt.Fprintf(w, "shutdown recv=%t send=%t\n", hdr.Flags&vsockhdr.ShutdownRecv != 0, hdr.Flags&vsockhdr.ShutdownSend != 0)
	}
	if dump && len(body) > 0 {
		fmt.Fprint(w, dimFmt(hex.Dump(body)))
	}
	return nil
}
