package rabbitmq

import "github.com/magabrotheeeer/vpn-entitlements/internal/models"

// EventRoutingKeys ключи маршрутизации исходящих событий. Ключ совпадает с типом события.
func EventRoutingKeys() []string {
	return []string{
		models.EventSubscriptionActivated,
		models.EventSubscriptionGrace,
		models.EventSubscriptionExpired,
		models.EventReferralCredited,
		models.EventServingDisabled,
	}
}
