package credential

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/openauthsim/otp-service/internal/errs"
	"github.com/openauthsim/otp-service/internal/util"
	"github.com/openauthsim/otp-service/pkg/storage"
)

const (
	namespace = "credential"

	credentialNotFoundErrMsg = "credential not found"
)

type Storage struct {
	db storage.ServiceStorage
}

func NewCredentialStorage(db storage.ServiceStorage) (*Storage, error) {
	if db == nil {
		return nil, errors.New("db reference is nil")
	}
	return &Storage{db: db}, nil
}

func (cs *Storage) StoreCredential(ctx context.Context, credential StoredCredential) error {
	return cs.write(ctx, cs.db, credential)
}

type writer interface {
	Write(ctx context.Context, namespace, key string, value []byte) error
}

type reader interface {
	Read(ctx context.Context, namespace, key string) ([]byte, error)
}

func (cs *Storage) write(ctx context.Context, w writer, credential StoredCredential) error {
	if credential.ID == "" {
		return util.LoggingNewError("could not store credential without an ID")
	}
	credBytes, err := json.Marshal(credential)
	if err != nil {
		return util.LoggingErrorMsgf(err, "could not store credential: %s", credential.ID)
	}
	return w.Write(ctx, namespace, credential.ID, credBytes)
}

func (cs *Storage) GetCredential(ctx context.Context, id string) (*StoredCredential, error) {
	return cs.read(ctx, cs.db, id)
}

func (cs *Storage) read(ctx context.Context, r reader, id string) (*StoredCredential, error) {
	credBytes, err := r.Read(ctx, namespace, id)
	if err != nil {
		return nil, util.LoggingErrorMsgf(err, "could not get credential: %s", id)
	}
	if len(credBytes) == 0 {
		return nil, errs.Newf(errs.NotFound, "%s: %s", credentialNotFoundErrMsg, id)
	}
	var stored StoredCredential
	if err = json.Unmarshal(credBytes, &stored); err != nil {
		return nil, util.LoggingErrorMsgf(err, "could not unmarshal stored credential: %s", id)
	}
	return &stored, nil
}

func (cs *Storage) CredentialExists(ctx context.Context, id string) (bool, error) {
	return cs.db.Exists(ctx, namespace, id)
}

// ListCredentials returns every stored credential the filter includes.
func (cs *Storage) ListCredentials(ctx context.Context, include storage.IncludeFunc) ([]StoredCredential, error) {
	gotCreds, err := cs.db.ReadAll(ctx, namespace)
	if err != nil {
		return nil, util.LoggingErrorMsg(err, "could not get all credentials")
	}
	stored := make([]StoredCredential, 0, len(gotCreds))
	for id, credBytes := range gotCreds {
		var cred StoredCredential
		if err = json.Unmarshal(credBytes, &cred); err != nil {
			return nil, util.LoggingErrorMsgf(err, "could not unmarshal stored credential: %s", id)
		}
		ok, err := include(cred)
		if err != nil {
			return nil, errs.Wrap(err, errs.InvalidRequest, "applying filter")
		}
		if ok {
			stored = append(stored, cred)
		}
	}
	return stored, nil
}

func (cs *Storage) DeleteCredential(ctx context.Context, id string) error {
	exists, err := cs.CredentialExists(ctx, id)
	if err != nil {
		return util.LoggingErrorMsgf(err, "could not check credential: %s", id)
	}
	if !exists {
		return errs.Newf(errs.NotFound, "%s: %s", credentialNotFoundErrMsg, id)
	}
	if err = cs.db.Delete(ctx, namespace, id); err != nil {
		return util.LoggingErrorMsgf(err, "could not delete credential: %s", id)
	}
	return nil
}

// UpdateCredential reads, changes and writes one credential in a single storage transaction.
func (cs *Storage) UpdateCredential(ctx context.Context, id string, update func(*StoredCredential) error) (*StoredCredential, error) {
	result, err := cs.db.Execute(ctx, func(ctx context.Context, tx storage.Tx) (any, error) {
		stored, err := cs.read(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if err = update(stored); err != nil {
			return nil, err
		}
		if err = cs.write(ctx, tx, *stored); err != nil {
			return nil, err
		}
		return stored, nil
	}, []storage.WatchKey{{Namespace: namespace, Key: id}})
	if err != nil {
		return nil, err
	}
	updated, ok := result.(*StoredCredential)
	if !ok {
		return nil, errors.New("problem casting to StoredCredential")
	}
	return updated, nil
}
