package config

// ConfigDiff describes what changed between two configs.
// Hot-reloadable fields carry their new value; everything else is collected
// in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ProtocolChanged bool
	NewProtocol     int

	VolumeChanged bool
	NewVolume     int

	// RestartRequired names changed fields that only take effect on restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ProtocolChanged && !d.VolumeChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Transceiver.Protocol != new.Transceiver.Protocol {
		d.ProtocolChanged = true
		d.NewProtocol = new.Transceiver.Protocol
	}
	if old.Codec.Volume != new.Codec.Volume {
		d.VolumeChanged = true
		d.NewVolume = new.Codec.Volume
	}

	restart := func(field string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, field)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.log_format", old.Server.LogFormat != new.Server.LogFormat)
	restart("audio", old.Audio != new.Audio)
	restart("codec.name", old.Codec.Name != new.Codec.Name)
	restart("codec.url", old.Codec.URL != new.Codec.URL)
	restart("codec.sound_marker_threshold", old.Codec.SoundMarkerThreshold != new.Codec.SoundMarkerThreshold)
	restart("codec.ultrasound_rx", old.Codec.UltrasoundRXEnabled() != new.Codec.UltrasoundRXEnabled())
	restart("history", old.History != new.History)

	return d
}
