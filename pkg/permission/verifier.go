// Transactor permission checks for the karst validator
package permission

import (
	"strings"

	"github.com/karstchain/karst/internal/logger"
	"github.com/karstchain/karst/pkg/journal"
)

// TransactorKeysSettingKey is the on-chain setting listing the public keys
// permitted to sign batches and transactions, comma separated. An empty
// list permits any signer.
const TransactorKeysSettingKey = "karst.permissions.transactor_keys"

// SettingsVerifier authorizes batch signers against the transactor
// permissions stored in state.
type SettingsVerifier struct {
	settings journal.SettingsViewFactory
	log      *logger.Logger
}

// NewSettingsVerifier creates a verifier reading permissions through the
// given settings view factory.
func NewSettingsVerifier(settings journal.SettingsViewFactory, log *logger.Logger) *SettingsVerifier {
	return &SettingsVerifier{settings: settings, log: log}
}

// IsBatchSignerAuthorized checks the batch signer and every transaction
// signer against the permitted keys as of stateRoot. fromState is part of
// the verifier contract; this implementation always reads from state.
func (v *SettingsVerifier) IsBatchSignerAuthorized(batch *journal.Batch, stateRoot string, fromState bool) (bool, error) {
	settings, err := v.settings.CreateSettingsView(stateRoot)
	if err != nil {
		return false, err
	}
	keys, err := settings.Setting(TransactorKeysSettingKey, "")
	if err != nil {
		return false, err
	}
	if keys == "" {
		return true, nil
	}

	permitted := make(map[string]struct{})
	for _, key := range strings.Split(keys, ",") {
		permitted[strings.TrimSpace(key)] = struct{}{}
	}

	if _, ok := permitted[batch.SignerPublicKey]; !ok {
		v.log.WithFields(logger.Fields{
			"batch":  batch.HeaderSignature,
			"signer": batch.SignerPublicKey,
		}).Debug("Batch signer is not a permitted transactor")
		return false, nil
	}
	for _, txn := range batch.Transactions {
		if txn.SignerPublicKey == "" {
			continue
		}
		if _, ok := permitted[txn.SignerPublicKey]; !ok {
			v.log.WithFields(logger.Fields{
				"txn":    txn.HeaderSignature,
				"signer": txn.SignerPublicKey,
			}).Debug("Transaction signer is not a permitted transactor")
			return false, nil
		}
	}
	return true, nil
}
