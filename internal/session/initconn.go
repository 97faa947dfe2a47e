package session

import (
	"context"

	"dev.c0redev.mtsession/internal/proto"
)

// InitParams describe the client in the connection-init call.
type InitParams struct {
	APIID         int
	DeviceModel   string
	SystemVersion string
	AppVersion    string
	LangCode      string
	Country       string
}

func (p InitParams) params() proto.Params {
	return proto.Params{
		"api_id":         int64(p.APIID),
		"device_model":   p.DeviceModel,
		"system_version": p.SystemVersion,
		"app_version":    p.AppVersion,
		"lang_code":      p.LangCode,
		"country":        p.Country,
	}
}

// initConnection runs the once-per-process init call on the current DC and
// moves to the nearest DC it reports. Failures leave the flag unset so the
// next authenticated call tries again.
func (e *Engine) initConnection(ctx context.Context) {
	e.flight.Do("init", func() (any, error) {
		if e.apiInitialized() {
			return nil, nil
		}
		dc := e.DC()
		m := proto.Method{Name: proto.MethodInitConnection, Type: proto.TypeNearestDC, Params: e.init.params()}
		out, err := e.dispatch(ctx, dc, m, func() (proto.Envelope, error) {
			return e.authEnvelope(dc, true)
		})
		if err != nil {
			e.obs.log.Warn().Int("dc", dc).Err(err).Msg("init.failed")
			return nil, nil
		}
		if out.Empty() || out.Reply.Type != m.Type {
			e.obs.log.Warn().Int("dc", dc).Str("type", out.Reply.Type).Msg("init.unexpected")
			return nil, nil
		}
		nearest, ok := out.Params().Int("nearest_dc")
		if !ok {
			e.obs.log.Warn().Int("dc", dc).Msg("init.no_nearest_dc")
			return nil, nil
		}
		if ValidDC(nearest) {
			if err := e.SwitchDC(nearest); err != nil {
				e.obs.log.Error().Int("dc", nearest).Err(err).Msg("init.switch")
				return nil, nil
			}
		} else {
			e.obs.log.Warn().Int("nearest_dc", nearest).Msg("init.nearest_out_of_range")
		}
		e.markAPIInitialized()
		e.obs.log.Info().Int("from", dc).Int("dc", e.DC()).Msg("init.done")
		return nil, nil
	})
}
