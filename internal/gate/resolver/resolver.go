// internal/gate/resolver/resolver.go
package resolver

import (
	"context"
	"database/sql"
	"time"

	"membergate/internal/common/errors"
	"membergate/internal/common/logger"
	"membergate/internal/models"
)

// Resolver loads per-group enforcement policy from the shared store. Reads
// go straight to the database on every event; policy is deliberately not
// cached so that config edits take effect on the next event.
type Resolver struct {
	db     *sql.DB
	logger logger.Logger
}

func NewResolver(db *sql.DB, log logger.Logger) *Resolver {
	return &Resolver{
		db:     db,
		logger: log.WithFields(map[string]interface{}{"component": "resolver"}),
	}
}

// Resolve returns the enforcement policy for a group. A nil policy means
// the group is unknown to the engine and verification is a no-op. A store
// failure aborts the caller; enforcement is never silently skipped on
// outages.
func (r *Resolver) Resolve(ctx context.Context, groupID int64) (*models.EnforcementPolicy, error) {
	var (
		enabled   bool
		params    []byte
		updatedAt time.Time
	)

	query := `SELECT enabled, params, updated_at FROM enforcement_config WHERE group_id = $1`
	err := r.db.QueryRowContext(ctx, query, groupID).Scan(&enabled, &params, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			r.logger.Debug("no enforcement config for group", map[string]interface{}{
				"groupId": groupID,
			})
			return nil, nil
		}
		return nil, errors.NewConfigUnavailableError(err)
	}

	policy := &models.EnforcementPolicy{
		GroupID:   groupID,
		Enabled:   enabled,
		Params:    params,
		UpdatedAt: updatedAt,
	}

	if !enabled {
		// Disabled groups short-circuit; the channel set is not needed.
		return policy, nil
	}

	channels, err := r.requiredChannels(ctx, groupID)
	if err != nil {
		return nil, errors.NewConfigUnavailableError(err)
	}
	policy.RequiredChannels = channels

	return policy, nil
}

func (r *Resolver) requiredChannels(ctx context.Context, groupID int64) ([]int64, error) {
	query := `SELECT channel_id FROM required_channel_link WHERE group_id = $1 AND is_required = true ORDER BY channel_id`
	rows, err := r.db.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		channels = append(channels, id)
	}
	return channels, rows.Err()
}

// GroupsRequiring returns the enabled groups whose policy requires the
// channel. It serves lapse events, which arrive scoped to a channel rather
// than a group.
func (r *Resolver) GroupsRequiring(ctx context.Context, channelID int64) ([]int64, error) {
	query := `SELECT l.group_id FROM required_channel_link l ` +
		`JOIN enforcement_config c ON c.group_id = l.group_id ` +
		`WHERE l.channel_id = $1 AND l.is_required = true AND c.enabled = true ` +
		`ORDER BY l.group_id`
	rows, err := r.db.QueryContext(ctx, query, channelID)
	if err != nil {
		return nil, errors.NewConfigUnavailableError(err)
	}
	defer rows.Close()

	var groups []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.NewConfigUnavailableError(err)
		}
		groups = append(groups, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewConfigUnavailableError(err)
	}
	return groups, nil
}
