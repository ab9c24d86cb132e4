package store

import (
	"context"
	"log/slog"

	"fair_platform/core/schema"

	"gorm.io/gorm/clause"
)

// UpsertOsmUser records the principal locally, refreshing the profile fields of
// an existing user. The staff flag is only ever set locally.
func (s *Store) UpsertOsmUser(ctx context.Context, principal schema.Principal) (schema.OsmUser, error) {
	user := schema.OsmUser{
		OsmId:      principal.Id,
		Username:   principal.Username,
		ImgUrl:     principal.AvatarUrl,
		DateJoined: now(),
	}

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "osm_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "img_url"}),
	}).Create(&user)
	if result.Error != nil {
		slog.Error("sql error upserting osm user", "osm_id", principal.Id, "error", result.Error)
		return schema.OsmUser{}, schema.ErrDbAccessFailed
	}

	return schema.GetOsmUser(principal.Id, s.db.WithContext(ctx))
}

func (s *Store) GetOsmUser(ctx context.Context, osmId int64) (schema.OsmUser, error) {
	return schema.GetOsmUser(osmId, s.db.WithContext(ctx))
}

func (s *Store) SetStaff(ctx context.Context, osmId int64, isStaff bool) error {
	result := s.db.WithContext(ctx).Model(&schema.OsmUser{}).Where("osm_id = ?", osmId).Update("is_staff", isStaff)
	if result.Error != nil {
		slog.Error("sql error updating osm user", "osm_id", osmId, "error", result.Error)
		return schema.ErrDbAccessFailed
	}
	if result.RowsAffected == 0 {
		return schema.ErrUserNotFound
	}
	return nil
}
