package utils

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/staysync_backend/config"
)

func GetCacheLifespan() time.Duration {
	lifespan, err := strconv.Atoi(os.Getenv("CACHE_LIFESPAN"))
	if err != nil {
		lifespan = 1
	}
	return time.Duration(lifespan) * time.Hour
}

/* generic functions */

func GetTypeName[T any]() string {
	var v T
	typeOfT := reflect.TypeOf(v)
	return typeOfT.Name()
}

// get type name of struct
func GetType(i interface{}) string {
	return reflect.TypeOf(i).Name()
}

/* Redis */

// check if model has expiration date
func typeHasExpiration(typeName string) bool {
	expirableTypes := map[string]bool{
		"Reservation": true,
		"ScanSession": true,
	}
	return expirableTypes[typeName]
}

// store instance, obj should be a pointer
func StoreRedis[T any](obj any, key string) error {
	typeName := GetTypeName[T]()
	redisKey := typeName + ":" + key

	var duration time.Duration
	if typeHasExpiration(typeName) {
		duration = GetCacheLifespan()
	}
	return config.SetRedisObject(redisKey, &obj, duration)
}

// get from redis
// returns nil if does not exist
func RetrieveRedis[T any](key string) (*T, error) {
	var result *T
	redisKey := GetTypeName[T]() + ":" + key
	exists, err := config.GetRedisObject(redisKey, &result)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	return result, nil
}

func RemoveRedis[T any](key string) error {
	redisKey := GetTypeName[T]() + ":" + key
	return config.RemoveRedisKey(redisKey)
}

func RemoveRedisKeys[T any](keys ...string) error {
	typeName := GetTypeName[T]()
	fullKeys := make([]string, 0, len(keys))
	for _, key := range keys {
		fullKeys = append(fullKeys, typeName+":"+fmt.Sprint(key))
	}
	return config.RemoveRedisKey(fullKeys...)
}
