package availability

// Aggregate merges every host's working hours into one set, each entry tagged with the
// host it came from and that host's time zone.
//
// Collective events evaluate each fixed host on its own entries and AND the results, so
// the merged set only drives candidate generation. For round-robin or untyped events the
// result is advisory in the same way: each host is checked against its own hours.
func Aggregate(hosts []HostAvailability, schedulingType SchedulingType) []WorkingHours {
	var merged []WorkingHours
	for _, host := range hosts {
		for _, entry := range host.WorkingHours {
			entry.HostID = host.HostID
			entry.TimeZone = host.TimeZone
			merged = append(merged, entry)
		}
	}
	if schedulingType == SchedulingCollective {
		return collectiveOnly(merged, hosts)
	}
	return merged
}

// collectiveOnly drops entries of loose hosts; a collective event only generates from
// hosts that must attend. Events with no fixed hosts keep everything.
func collectiveOnly(merged []WorkingHours, hosts []HostAvailability) []WorkingHours {
	fixed := make(map[int64]struct{}, len(hosts))
	for _, host := range hosts {
		if host.IsFixed {
			fixed[host.HostID] = struct{}{}
		}
	}
	if len(fixed) == 0 {
		return merged
	}
	out := merged[:0:0]
	for _, entry := range merged {
		if _, ok := fixed[entry.HostID]; ok {
			out = append(out, entry)
		}
	}
	return out
}

// HoursFor returns the entries of merged that belong to hostID.
func HoursFor(merged []WorkingHours, hostID int64) []WorkingHours {
	var out []WorkingHours
	for _, entry := range merged {
		if entry.HostID == hostID {
			out = append(out, entry)
		}
	}
	return out
}
