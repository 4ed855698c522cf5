// Package authclient は認証サービスへのHTTPクライアントを提供する。
//
// 下流サービスはこのクライアントを通じてトークン検証と
// 外部アカウントIDの紐付けを行う。検証結果のキャッシュは行わず、
// 呼び出しごとに認証サービスへ問い合わせる。
package authclient
