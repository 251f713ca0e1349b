package api

import (
	"net/http"

	"grimm.is/loginsight/internal/store"
)

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	timeRange := r.URL.Query().Get("time_range")
	if timeRange == "" {
		timeRange = "24h"
	}

	stats, err := s.st.GetStats(r.Context(), timeRange)
	if err != nil {
		s.log.Error("computing stats", "error", err)
		WriteError(w, http.StatusInternalServerError, "failed to compute statistics")
		return
	}

	// Internal-IP panels carry the same gateway/WAN labels as the log list.
	ann := s.newAnnotator(r.Context())
	labelInternal(ann, stats.TopBlockedInternalIPs)
	labelInternal(ann, stats.TopActiveInternalIPs)

	WriteJSON(w, http.StatusOK, stats)
}

func labelInternal(ann *annotator, rows []store.InternalIP) {
	for i := range rows {
		row := &rows[i]
		if vlan, ok := ann.gatewayVLANs[row.IP]; ok {
			v := vlan
			row.VLAN = &v
			if row.DeviceName == nil {
				row.DeviceName = &gatewayName
			}
		} else if label, ok := ann.wanNames[row.IP]; ok && row.DeviceName == nil {
			l := label
			row.DeviceName = &l
		}
	}
}
