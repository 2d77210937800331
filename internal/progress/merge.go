package progress

// Merge overlays next onto prev. Only fields positively present in next
// overwrite; an empty sample leaves prev untouched.
func Merge(prev, next Sample) Sample {
	out := prev
	if next.HasSize {
		out.HasSize = true
		if next.Total > 0 {
			out.Total = next.Total
		}
		if next.Downloaded > 0 {
			out.Downloaded = next.Downloaded
		}
		if next.Progress > 0 {
			out.Progress = next.Progress
		}
	}
	if next.Speed > 0 {
		out.Speed = next.Speed
	}
	if next.UploadSpeed > 0 {
		out.UploadSpeed = next.UploadSpeed
	}
	if hasETA(next.ETA) {
		out.ETA = next.ETA
	}
	if next.Connections > 0 {
		out.Connections = next.Connections
	}
	if next.Seeds > 0 {
		out.Seeds = next.Seeds
	}
	if next.Peers > 0 {
		out.Peers = next.Peers
	}
	if out.Total > 0 && out.Downloaded > out.Total {
		out.Downloaded = out.Total
	}
	return out
}
