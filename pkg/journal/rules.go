package journal

import (
	"strconv"
	"strings"

	"github.com/karstchain/karst/internal/logger"
)

// BlockValidationRulesKey is the on-chain setting holding the block
// validation rules, e.g. "NofX:2,token;XatY:token,0;local:0".
const BlockValidationRulesKey = "karst.validator.block_validation_rules"

// enforceValidationRules applies the rules configured in state at the
// previous block. Rules:
//
//	NofX:n,family   at most n transactions of the named family per block
//	XatY:family,y   the transaction at index y must belong to the family
//	local:i,j,...   transactions at the given indexes must be signed by
//	                the block signer
//
// Malformed rules are logged and skipped rather than failing the block.
func enforceValidationRules(settings SettingsView, signer string, batches []*Batch, log *logger.Logger) (bool, error) {
	rules, err := settings.Setting(BlockValidationRulesKey, "")
	if err != nil {
		return false, err
	}
	if rules == "" {
		return true, nil
	}

	var txns []*Transaction
	for _, batch := range batches {
		txns = append(txns, batch.Transactions...)
	}

	for _, rule := range strings.Split(rules, ";") {
		rule = strings.TrimSpace(rule)
		if rule == "" {
			continue
		}
		name, args, found := strings.Cut(rule, ":")
		if !found {
			log.WithField("rule", rule).Warn("Ignoring malformed block validation rule")
			continue
		}
		fields := strings.Split(args, ",")

		switch strings.TrimSpace(name) {
		case "NofX":
			if len(fields) != 2 {
				log.WithField("rule", rule).Warn("Ignoring malformed NofX rule")
				continue
			}
			limit, err := strconv.Atoi(strings.TrimSpace(fields[0]))
			if err != nil {
				log.WithField("rule", rule).Warn("Ignoring malformed NofX rule")
				continue
			}
			family := strings.TrimSpace(fields[1])
			count := 0
			for _, txn := range txns {
				if txn.FamilyName == family {
					count++
				}
			}
			if count > limit {
				log.WithFields(logger.Fields{
					"family": family,
					"limit":  limit,
					"count":  count,
				}).Debug("Block breaks NofX validation rule")
				return false, nil
			}

		case "XatY":
			if len(fields) != 2 {
				log.WithField("rule", rule).Warn("Ignoring malformed XatY rule")
				continue
			}
			family := strings.TrimSpace(fields[0])
			position, err := strconv.Atoi(strings.TrimSpace(fields[1]))
			if err != nil || position < 0 {
				log.WithField("rule", rule).Warn("Ignoring malformed XatY rule")
				continue
			}
			if position < len(txns) && txns[position].FamilyName != family {
				log.WithFields(logger.Fields{
					"family":   family,
					"position": position,
					"found":    txns[position].FamilyName,
				}).Debug("Block breaks XatY validation rule")
				return false, nil
			}

		case "local":
			for _, field := range fields {
				position, err := strconv.Atoi(strings.TrimSpace(field))
				if err != nil || position < 0 {
					log.WithField("rule", rule).Warn("Ignoring malformed local rule")
					continue
				}
				if position < len(txns) && txns[position].SignerPublicKey != signer {
					log.WithFields(logger.Fields{
						"position": position,
						"signer":   txns[position].SignerPublicKey,
					}).Debug("Block breaks local validation rule")
					return false, nil
				}
			}

		default:
			log.WithField("rule", rule).Warn("Ignoring unknown block validation rule")
		}
	}

	return true, nil
}
