package database

import (
	"time"

	"lnmarkets-alert-bot/internal/types"
)

// Store adapts the package-level CRUD functions to the narrow interfaces
// the engine and front end consume.
type Store struct{}

func (Store) ActiveAlertsByKind(kinds ...types.AlertKind) ([]types.Alert, error) {
	return ActiveAlertsByKind(kinds...)
}

func (Store) ActiveAlertsForChat(chatID int64, kinds ...types.AlertKind) ([]types.Alert, error) {
	return ActiveAlertsForChat(chatID, kinds...)
}

func (Store) UsersWithCredentials() ([]types.User, error) {
	return UsersWithCredentials()
}

func (Store) MarkAlertTriggered(alertID int64, at time.Time, deactivate bool) error {
	return MarkAlertTriggered(alertID, at, deactivate)
}

func (Store) InsertAlert(a types.Alert) (int64, error) {
	return InsertAlert(a)
}

func (Store) DeactivateAlert(alertID, chatID int64) error {
	return DeactivateAlert(alertID, chatID)
}

func (Store) EnsureUser(chatID int64, username string) error {
	return EnsureUser(chatID, username)
}

func (Store) GetUser(chatID int64) (*types.User, error) {
	return GetUser(chatID)
}

func (Store) SetCredentials(chatID int64, creds types.Credentials) error {
	return SetCredentials(chatID, creds)
}

func (Store) ClearCredentials(chatID int64) error {
	return ClearCredentials(chatID)
}

func (Store) AddPriceSample(price float64, at time.Time) error {
	return AddPriceSample(price, at)
}

func (Store) PriceAt(cutoff time.Time) (float64, bool, error) {
	return PriceAt(cutoff)
}

func (Store) PruneHistory(cutoff time.Time) error {
	return PruneHistory(cutoff)
}
