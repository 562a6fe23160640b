package vsock

import (
	"context"
	"log/slog"

	"github.com/soypat/vsock/vsockhdr"
)

// levelTrace is below debug and logs every packet.
const levelTrace slog.Level = slog.LevelDebug - 1

func (d *Driver) logerr(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelError, msg, attrs...)
}

func (d *Driver) warn(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelWarn, msg, attrs...)
}

func (d *Driver) info(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelInfo, msg, attrs...)
}

func (d *Driver) debug(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelDebug, msg, attrs...)
}

func (d *Driver) trace(msg string, attrs ...slog.Attr) {
	if d.traceEnabled {
		d.logattrs(levelTrace, msg, attrs...)
	}
}

func (d *Driver) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if d.logger == nil {
		return
	}
	d.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

func hdrAttr(hdr *vsockhdr.Header) slog.Attr {
	return slog.Group("hdr",
		slog.String("op", hdr.Op().String()),
		slog.Uint64("src_cid", hdr.SrcCID),
		slog.Uint64("src_port", uint64(hdr.SrcPort)),
		slog.Uint64("dst_cid", hdr.DstCID),
		slog.Uint64("dst_port", uint64(hdr.DstPort)),
		slog.Uint64("len", uint64(hdr.Len)),
		slog.Uint64("buf_alloc", uint64(hdr.BufAlloc)),
		slog.Uint64("fwd_cnt", uint64(hdr.FwdCnt)),
	)
}
