package protocol

import "github.com/tinyrange/kmsd/internal/drm"

// WriteMode encodes a display timing: clock, ten u16 timings, vrefresh,
// flags, type and name.
func (m *Message) WriteMode(mode drm.ModeInfo) {
	m.WriteU32(mode.Clock)
	for _, v := range [...]uint16{
		mode.HDisplay, mode.HSyncStart, mode.HSyncEnd, mode.HTotal, mode.HSkew,
		mode.VDisplay, mode.VSyncStart, mode.VSyncEnd, mode.VTotal, mode.VScan,
	} {
		m.WriteU16(v)
	}
	m.WriteU32(mode.VRefresh)
	m.WriteU32(mode.Flags)
	m.WriteU32(mode.Type)
	m.WriteString(mode.Name)
}

func (m *Message) ReadMode() (drm.ModeInfo, error) {
	var mode drm.ModeInfo
	var err error
	if mode.Clock, err = m.ReadU32(); err != nil {
		return mode, err
	}
	for _, p := range [...]*uint16{
		&mode.HDisplay, &mode.HSyncStart, &mode.HSyncEnd, &mode.HTotal, &mode.HSkew,
		&mode.VDisplay, &mode.VSyncStart, &mode.VSyncEnd, &mode.VTotal, &mode.VScan,
	} {
		if *p, err = m.ReadU16(); err != nil {
			return mode, err
		}
	}
	for _, p := range [...]*uint32{&mode.VRefresh, &mode.Flags, &mode.Type} {
		if *p, err = m.ReadU32(); err != nil {
			return mode, err
		}
	}
	mode.Name, err = m.ReadString()
	return mode, err
}
