package foldercast

import (
	"database/sql"

	"github.com/foldercast/foldercast/store"
)

func subscriptionToRow(subscription *Subscription) *store.SubscriptionRow {
	row := &store.SubscriptionRow{
		SubscriptionId:    subscription.Id.String(),
		FolderPath:        subscription.FolderPath,
		StreamerNode:      subscription.Streamer.Node,
		StreamerProfile:   subscription.Streamer.Profile,
		SubscriberNode:    subscription.Subscriber.Node,
		SubscriberProfile: subscription.Subscriber.Profile,
		Description:       subscription.Description,
		Status:            string(subscription.Status),
		HttpPreferred:     subscription.HttpPreferred,
		DateCreated:       subscription.DateCreated,
		LastModified:      subscription.LastModified,
	}
	if subscription.Payment != nil {
		row.PaymentKind = string(subscription.Payment.Kind)
		row.PaymentAmount = subscription.Payment.Amount
	}
	if !subscription.LastSyncTime.IsZero() {
		row.LastSyncTime = sql.NullTime{
			Time:  subscription.LastSyncTime,
			Valid: true,
		}
	}
	return row
}

func subscriptionFromRow(row *store.SubscriptionRow) *Subscription {
	subscription := &Subscription{
		Id:            SubscriptionId(row.SubscriptionId),
		FolderPath:    row.FolderPath,
		Streamer:      NewNameWithProfile(row.StreamerNode, row.StreamerProfile),
		Subscriber:    NewNameWithProfile(row.SubscriberNode, row.SubscriberProfile),
		Description:   row.Description,
		Status:        SubscriptionStatus(row.Status),
		HttpPreferred: row.HttpPreferred,
		DateCreated:   row.DateCreated,
		LastModified:  row.LastModified,
	}
	if row.PaymentKind != "" {
		subscription.Payment = &Payment{
			Kind:   PaymentKind(row.PaymentKind),
			Amount: row.PaymentAmount,
		}
	}
	if row.LastSyncTime.Valid {
		subscription.LastSyncTime = row.LastSyncTime.Time
	}
	return subscription
}

func requirementToRow(profile string, requirement *FolderRequirement) *store.FolderRequirementRow {
	row := &store.FolderRequirementRow{
		Profile:                   profile,
		Path:                      requirement.Path,
		MinimumTokenDelegation:    requirement.MinimumTokenDelegation,
		MinimumTimeDelegatedHours: requirement.MinimumTimeDelegatedHours,
		IsFree:                    requirement.IsFree,
		HasWebAlternative:         requirement.HasWebAlternative,
		FolderDescription:         requirement.FolderDescription,
	}
	if requirement.MonthlyPayment != nil {
		row.PaymentKind = string(requirement.MonthlyPayment.Kind)
		row.PaymentAmount = requirement.MonthlyPayment.Amount
	}
	return row
}

func requirementFromRow(row *store.FolderRequirementRow) *FolderRequirement {
	requirement := &FolderRequirement{
		Path:                      row.Path,
		MinimumTokenDelegation:    row.MinimumTokenDelegation,
		MinimumTimeDelegatedHours: row.MinimumTimeDelegatedHours,
		IsFree:                    row.IsFree,
		HasWebAlternative:         row.HasWebAlternative,
		FolderDescription:         row.FolderDescription,
	}
	if row.PaymentKind != "" {
		requirement.MonthlyPayment = &Payment{
			Kind:   PaymentKind(row.PaymentKind),
			Amount: row.PaymentAmount,
		}
	}
	return requirement
}

func credentialsToRow(profile string, credentials *UploadCredentials) *store.UploadCredentialsRow {
	return &store.UploadCredentialsRow{
		Profile:         profile,
		FolderPath:      credentials.FolderPath,
		AccessKeyId:     credentials.AccessKeyId,
		SecretAccessKey: credentials.SecretAccessKey,
		Endpoint:        credentials.Endpoint,
		Bucket:          credentials.Bucket,
	}
}

func credentialsFromRow(row *store.UploadCredentialsRow) *UploadCredentials {
	return &UploadCredentials{
		FolderPath:      row.FolderPath,
		AccessKeyId:     row.AccessKeyId,
		SecretAccessKey: row.SecretAccessKey,
		Endpoint:        row.Endpoint,
		Bucket:          row.Bucket,
	}
}
