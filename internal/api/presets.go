package api

import (
	"context"

	"github.com/matheus3301/port/internal/store"
	"google.golang.org/protobuf/types/known/structpb"
)

// ListPermissionPresets returns every preset with its permissions, default
// first.
func (s *Service) ListPermissionPresets(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.DB.DefaultPreset(); err != nil {
		return nil, err
	}
	ps, err := s.DB.ListPresets()
	if err != nil {
		return nil, err
	}
	views := make([]presetView, 0, len(ps))
	for i := range ps {
		perms, err := s.DB.GetPermissions(ps[i].PermissionsID)
		if err != nil {
			return nil, err
		}
		if perms == nil {
			return nil, notFound("permissions of preset %s", ps[i].ID)
		}
		views = append(views, presetToView(&ps[i], perms))
	}
	return toStruct(map[string]any{"presets": views})
}

// AddPermissionPreset creates a preset starting from the defaults
// overridden by any permission fields in the request.
func (s *Service) AddPermissionPreset(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(req)
	name, err := a.required("name")
	if err != nil {
		return nil, err
	}
	perms := store.DefaultPermissions()
	applyPermissions(&perms, a)
	if perms.DisappearingMessages < 0 {
		return nil, invalidArgument("disappearing_messages must not be negative")
	}
	p, err := s.DB.AddPreset(name, perms)
	if err != nil {
		return nil, err
	}
	perms.ID = p.PermissionsID
	return toStruct(map[string]any{"preset": presetToView(p, &perms)})
}

// UpdatePermissionPreset renames a preset and changes the toggles present
// in the request. Ports and folders created from it keep their copies.
func (s *Service) UpdatePermissionPreset(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(req)
	id, err := a.required("preset_id")
	if err != nil {
		return nil, err
	}
	p, err := s.DB.GetPreset(id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, notFound("preset %s", id)
	}
	perms, err := s.DB.GetPermissions(p.PermissionsID)
	if err != nil {
		return nil, err
	}
	if perms == nil {
		return nil, notFound("permissions of preset %s", id)
	}
	applyPermissions(perms, a)
	if perms.DisappearingMessages < 0 {
		return nil, invalidArgument("disappearing_messages must not be negative")
	}
	if err := s.DB.UpdatePreset(id, a.str("name"), perms); err != nil {
		return nil, err
	}
	if p, err = s.DB.GetPreset(id); err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"preset": presetToView(p, perms)})
}

// DeletePermissionPreset removes a preset other than the default.
func (s *Service) DeletePermissionPreset(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := argsOf(req).required("preset_id")
	if err != nil {
		return nil, err
	}
	if err := s.DB.DeletePreset(id); err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"deleted": id})
}

// startingPermissions is the template a new folder starts from: the named
// preset when preset_id is set, else the defaults.
func (s *Service) startingPermissions(a args) (store.Permissions, error) {
	if !a.has("preset_id") {
		return store.DefaultPermissions(), nil
	}
	p, err := s.DB.PresetPermissions(a.str("preset_id"))
	if err != nil {
		return store.Permissions{}, err
	}
	if p == nil {
		return store.Permissions{}, notFound("preset %s", a.str("preset_id"))
	}
	return *p, nil
}
