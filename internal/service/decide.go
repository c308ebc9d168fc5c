package service

import "alertsync/internal/models"

// Action - решение движка синхронизации для пары (состояние, алерт).
type Action string

const (
	ActionCreate    Action = "create"
	ActionUpdate    Action = "update"
	ActionClose     Action = "close"
	ActionReopen    Action = "reopen"
	ActionNoop      Action = "noop"
	ActionSkipStale Action = "skip_stale"
	ActionIgnore    Action = "ignore"
)

// Decide - чистая функция переходов. hash - хэш содержимого входящего алерта.
//
//	нет строки + firing           -> create
//	нет строки + resolved         -> ignore
//	pending + firing              -> create (с поиском issue, заведенного упавшим обработчиком)
//	pending + resolved            -> close
//	open/updated + firing         -> update, если содержимое изменилось, иначе noop
//	open/updated + resolved       -> close
//	closed + firing               -> reopen того же issue
//	closed + resolved             -> noop
//
// Событие старше уже учтенного для этого fingerprint пропускается.
func Decide(state *models.AlertState, alert *models.NormalizedAlert, hash string) Action {
	if state == nil {
		if alert.Status == models.AlertFiring {
			return ActionCreate
		}
		return ActionIgnore
	}

	if !state.LastEventAt.IsZero() && alert.EventTime().Before(state.LastEventAt) {
		return ActionSkipStale
	}

	firing := alert.Status == models.AlertFiring
	switch state.Status {
	case models.StatusPending:
		if firing {
			return ActionCreate
		}
		return ActionClose
	case models.StatusOpen, models.StatusUpdated:
		if !firing {
			return ActionClose
		}
		if state.ContentHash == hash {
			return ActionNoop
		}
		return ActionUpdate
	case models.StatusClosed:
		if !firing {
			return ActionNoop
		}
		if state.HasIssue() {
			return ActionReopen
		}
		return ActionCreate
	}
	return ActionNoop
}
