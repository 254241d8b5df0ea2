// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"time"

	"github.com/cheggaaa/pb/v3"

	"github.com/halcyon-journal/modelfetch/pkg/modelfetch"
)

// startBarFeed renders a single aggregate byte bar in "bar" mode, fed from
// the downloader's state channel. Returns a stop func; a no-op outside bar
// mode.
func startBarFeed(ro *RootOpts, setup *modelfetch.Setup) func() {
	if progressMode(ro) != "bar" {
		return func() {}
	}

	dl := setup.Downloader()
	ch := dl.Subscribe()
	done := make(chan struct{})

	go func() {
		var bar *pb.ProgressBar
		defer func() {
			if bar != nil {
				bar.Finish()
			}
		}()
		for {
			select {
			case <-done:
				return
			case st := <-ch:
				if st.TotalBytes == 0 {
					continue
				}
				if bar == nil {
					bar = pb.Full.Start64(st.TotalBytes)
					bar.Set(pb.Bytes, true)
					bar.SetRefreshRate(200 * time.Millisecond)
				}
				bar.SetCurrent(st.DownloadedBytes)
				if st.Phase == modelfetch.PhaseCompleted {
					bar.SetCurrent(st.TotalBytes)
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		dl.Unsubscribe(ch)
	}
}
